// Package ta implements C3 (TA Registry) and C4 (TA File Codec): the
// static catalogue of known Trim Area units and the textual container
// format used to carry batches of them into and out of a device.
//
// The catalogue is transcribed from original_source/somcta.py's _tau
// table, keeping only the final binding for codes the Python source
// itself redefines (2024 ends up SRM, not BLOB_2, because the second
// assignment overwrites the first in that dict).
package ta

import "fmt"

// Addr identifies a single TA unit: a partition number (1 or 2) and a
// numeric code within that partition.
type Addr struct {
	Part uint8
	Code uint32
}

func (a Addr) String() string { return fmt.Sprintf("%d:%d", a.Part, a.Code) }

// unitDef is one catalogue row before construction validates it.
type unitDef struct {
	part uint8
	code uint32
	name string
}

// catalogRows is the raw table; DefaultCatalog validates and indexes it.
var catalogRows = []unitDef{
	{1, 1877, "RF_BC_CFG"},
	{1, 6828, "LTE_BC_CFG"},

	{2, 2002, "FLA_FLA"},
	{2, 2003, "S1_LDR"},
	{2, 2010, "SENS_DATA"},
	{2, 2021, "DRM_KEY_STATUS"},
	{2, 2022, "BLOB_0"},
	{2, 2023, "BLOB_1"},
	{2, 2024, "SRM"}, // original source rebinds 2024 from BLOB_2 to SRM
	{2, 2025, "BLOB_3"},
	{2, 2036, "BLOB_E"},
	{2, 2050, "LAST_BOOT_LOG"},
	{2, 2128, "__2128"},
	{2, 2129, "__2129"},
	{2, 2141, "MACHINE_ID"},
	{2, 2202, "SW_VER"},
	{2, 2205, "CUST_VER"},
	{2, 2206, "FS_VER"},
	{2, 2207, "S1_BOOT_VER"},
	{2, 2208, "__2208"},
	{2, 2209, "BUILD_TYPE"},
	{2, 2210, "PHONE_NAME"},
	{2, 2212, "AC_VER"},
	{2, 2226, "BL_UNLOCKCODE"},
	{2, 2227, "STARTUP_SHUTDOWNRESULT"},
	{2, 2237, "RESET_LOCK_STATUS"},
	{2, 2301, "STARTUP_REASON"},
	{2, 2311, "DISABLE_CHARGE_ONLY"},
	{2, 2316, "DISABLE_CHARGE_ONLY_ENTERPRISE"},
	{2, 2330, "OSV_RESTRICTION"},
	{2, 2404, "FOTA_INTERNAL"},
	{2, 2473, "KERNEL_CMD_DEBUG_MASK"},
	{2, 2475, "FLASH_LOG"},
	{2, 2486, "ENABLE_NONSECURE_USB_DEBUG"},
	{2, 2500, "CREDMGR_KEYTABLE_PRESET"},
	{2, 2550, "MASTER_RESET"},
	{2, 2551, "BASEBAND_CFG"},
	{2, 2553, "WIPE_REASON"},
	{2, 2560, "WIFI_MAC"},
	{2, 2568, "BLUETOOTH_MAC"},
	{2, 4900, "SERIAL_NO"},
	{2, 4901, "PBA_ID"},
	{2, 4902, "PBA_ID_REV"},
	{2, 4908, "PP_SEMC_ITP_PRODUCT_NO"},
	{2, 4909, "PP_SEMC_ITP_REV"},
	{2, 10100, "FLASH_MODE"},
	{2, 66667, "DEVICE_KEY"},
	{2, 66668, "REMOTE_LOCK"},
}

// ProtectedUnits lists the partition-2 codes that process_ta must skip
// when applying a TA file to a live device: hardware keys and identity
// that would brick the device if overwritten from a generic file.
var ProtectedUnits = map[uint32]bool{
	2003:  true,
	2010:  true,
	2129:  true,
	2210:  true,
	4900:  true,
	66667: true,
}

// IsProtected reports whether addr names a protected partition-2 unit.
func IsProtected(addr Addr) bool {
	return addr.Part == 2 && ProtectedUnits[addr.Code]
}

// Catalog resolves between symbolic names and TA addresses. It is
// immutable after construction.
type Catalog struct {
	byName map[string]Addr
	byAddr map[Addr]string
}

// MustBuildCatalog builds a Catalog from rows, panicking on a duplicate
// name or a duplicate (part, code) pair — those are programmer errors
// in the static table, not runtime conditions.
func MustBuildCatalog(rows []unitDef) *Catalog {
	c := &Catalog{
		byName: make(map[string]Addr, len(rows)),
		byAddr: make(map[Addr]string, len(rows)),
	}
	for _, r := range rows {
		addr := Addr{Part: r.part, Code: r.code}
		name := r.name
		if _, dup := c.byAddr[addr]; dup {
			panic(fmt.Sprintf("ta: duplicate catalogue address %s", addr))
		}
		if _, dup := c.byName[name]; dup {
			panic(fmt.Sprintf("ta: duplicate catalogue name %q", name))
		}
		c.byAddr[addr] = name
		c.byName[name] = addr
	}
	return c
}

// DefaultCatalog is the catalogue transcribed from the vendor table.
var DefaultCatalog = MustBuildCatalog(catalogRows)

// Resolve turns a name, a bare integer (interpreted as partition 2), or
// an existing Addr into a canonical Addr. Unknown names return an error;
// unknown numeric codes are allowed and resolve with no catalogue entry.
func (c *Catalog) Resolve(v any) (Addr, error) {
	switch x := v.(type) {
	case Addr:
		return x, nil
	case string:
		addr, ok := c.byName[upper(x)]
		if !ok {
			return Addr{}, fmt.Errorf("ta: unknown unit name %q", x)
		}
		return addr, nil
	case int:
		return Addr{Part: 2, Code: uint32(x)}, nil
	case uint32:
		return Addr{Part: 2, Code: x}, nil
	default:
		return Addr{}, fmt.Errorf("ta: unsupported address type %T", v)
	}
}

// Name returns the symbolic name for addr, or "" if the catalogue has
// no entry for it. Unknown addresses are valid TA records; they just
// carry no symbolic name.
func (c *Catalog) Name(addr Addr) string {
	return c.byAddr[addr]
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
