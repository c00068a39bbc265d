package manifest

import (
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is one <CONFIGURATION> block from boot_delivery.xml.
type Config struct {
	Name        string
	BootConfig  []string
	BootImages  []string
	Attrs       map[string]string
	HWConfig    KeyedRevision
	Keystore    KeyedRevision
	SecProp     KeyedRevision
	SecurityState string
}

// KeyedRevision captures the CERTIFICATE/REVISION[/VERSION] triples
// that appear on HWCONFIG, KEYSTORE and SECURITY_PROPERTIES elements.
type KeyedRevision struct {
	Certificate string
	Revision    string
	Version     string
}

// BootDelivery is the parsed form of boot_delivery.xml. ConfigOrder
// preserves document order so SelectConfig's "first match" rule is
// well-defined; Configs indexes the same values by name.
type BootDelivery struct {
	Format      int
	Product     string
	SpaceID     string
	Version     string
	ConfigOrder []string
	Configs     map[string]Config
}

type bootDeliveryXML struct {
	XMLName xml.Name `xml:"BOOT_DELIVERY"`
	Format  string   `xml:"FORMAT,attr"`
	Product string   `xml:"PRODUCT,attr"`
	SpaceID string   `xml:"SPACE_ID,attr"`
	Version string   `xml:"VERSION,attr"`
	Configs []struct {
		Name string `xml:"NAME,attr"`
		Items []configItemXML `xml:",any"`
	} `xml:"CONFIGURATION"`
}

type configItemXML struct {
	XMLName xml.Name
	Value   string `xml:"VALUE,attr"`
	Cert    string `xml:"CERTIFICATE,attr"`
	Rev     string `xml:"REVISION,attr"`
	Ver     string `xml:"VERSION,attr"`
	Files   []struct {
		Path string `xml:"PATH,attr"`
	} `xml:"FILE"`
}

// ParseBootDelivery parses boot/boot_delivery.xml under bootDir.
func ParseBootDelivery(bootDir string) (*BootDelivery, error) {
	deliv := filepath.Join(bootDir, "boot_delivery.xml")
	raw, err := os.ReadFile(deliv)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", deliv, err)
	}

	var doc bootDeliveryXML
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Path: deliv, Err: err}
	}
	if doc.XMLName.Local != "BOOT_DELIVERY" {
		return nil, &ParseError{Path: deliv, Err: fmt.Errorf("unexpected root %q, expected BOOT_DELIVERY", doc.XMLName.Local)}
	}

	format, err := strconv.Atoi(doc.Format)
	if err != nil {
		return nil, &ParseError{Path: deliv, Err: fmt.Errorf("non-numeric FORMAT %q", doc.Format)}
	}

	bd := &BootDelivery{
		Format:  format,
		Product: doc.Product,
		SpaceID: doc.SpaceID,
		Version: doc.Version,
		Configs: make(map[string]Config, len(doc.Configs)),
	}
	bd.ConfigOrder = make([]string, 0, len(doc.Configs))

	for _, c := range doc.Configs {
		conf := Config{Name: c.Name, Attrs: make(map[string]string)}
		for _, item := range c.Items {
			switch item.XMLName.Local {
			case "BOOT_CONFIG":
				for _, f := range item.Files {
					conf.BootConfig = append(conf.BootConfig, f.Path)
				}
			case "BOOT_IMAGES":
				for _, f := range item.Files {
					conf.BootImages = append(conf.BootImages, f.Path)
				}
			case "ATTRIBUTES":
				parseAttributes(item.Value, conf.Attrs)
			case "HWCONFIG":
				conf.HWConfig = KeyedRevision{Certificate: item.Cert, Revision: item.Rev, Version: item.Ver}
			case "KEYSTORE":
				conf.Keystore = KeyedRevision{Certificate: item.Cert, Revision: item.Rev}
			case "SECURITY_PROPERTIES":
				conf.SecProp = KeyedRevision{Revision: item.Rev}
			case "SECURITY_STATE":
				conf.SecurityState = item.Value
			}
		}
		bd.Configs[c.Name] = conf
		bd.ConfigOrder = append(bd.ConfigOrder, c.Name)
	}
	return bd, nil
}

// parseAttributes splits ATTRIBUTES@VALUE's semicolon-separated
// name=value pairs, stripping every leading and trailing '"' from the
// value (strings.Trim). The original Python checked
// `value[-1:-2] == '"'` to detect a trailing quote, which is always
// false (that slice is always empty), so the original never unquoted
// any value.
func parseAttributes(raw string, out map[string]string) {
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name, value := parts[0], parts[1]
		out[name] = strings.Trim(value, "\"")
	}
}

// SelectConfig implements the boot_delivery config-selection rule: if
// sec is "OFF", pick the first config whose DEFAULT_SECURITY attribute
// is "OFF"; otherwise pick the first config whose PLATFORM_ID matches
// "00"+plat[2:] and whose PLF_ROOT_HASH decodes to rootKeyHash. It
// returns an error naming the failure when nothing matches.
func (bd *BootDelivery) SelectConfig(sec, plat string, rootKeyHash []byte) (*Config, error) {
	wantPlat := "00"
	if len(plat) > 2 {
		wantPlat += plat[2:]
	}

	for _, name := range bd.ConfigOrder {
		conf := bd.Configs[name]
		if sec == "OFF" {
			if v, ok := conf.Attrs["DEFAULT_SECURITY"]; ok && v == "OFF" {
				c := conf
				return &c, nil
			}
			continue
		}

		hashHex, hasHash := conf.Attrs["PLF_ROOT_HASH"]
		platID, hasPlat := conf.Attrs["PLATFORM_ID"]
		if !hasHash || !hasPlat {
			continue
		}
		decoded, err := hex.DecodeString(hashHex)
		if err != nil {
			continue
		}
		if platID == wantPlat && bytesEqual(decoded, rootKeyHash) {
			c := conf
			return &c, nil
		}
	}
	return nil, fmt.Errorf("manifest: no matching boot_delivery configuration for security=%q platform=%q", sec, plat)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
