// Package orchestrator implements C7: the top-level flashing state
// machine that drives the Protocol Engine, TA Registry/Codec, Delivery
// Manifests and SIN Dispatcher through one firmware-directory flash
// run.
//
// Grounded on original_source/sxflasher.py's SXFlasher class
// (connect/init_vars/check_battery/change_flashmode/flash_stock) and
// guiperry-HASHER's internal/driver/device/controller.go for the
// mutex-guarded stats/state pattern this package reuses for Vars().
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/remittor/sxflasher/internal/manifest"
	"github.com/remittor/sxflasher/internal/protocol"
	"github.com/remittor/sxflasher/internal/sin"
	"github.com/remittor/sxflasher/internal/sxlog"
	"github.com/remittor/sxflasher/internal/ta"
)

// StateError means an operation was attempted outside the state it
// requires. Connect returns it when called on an already-connected
// Orchestrator; no other operation checks the session state.
type StateError struct {
	Want string
	Got  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("orchestrator: expected state %q, got %q", e.Want, e.Got)
}

// DeviceVars mirrors the device variable set SXFlasher.init_vars reads
// once at connect time.
type DeviceVars struct {
	Product           string
	Version           string
	BootloaderVersion string
	BasebandVersion   string
	SerialNo          string
	Secure            string
	LoaderVersion     string
	PhoneID           string
	DeviceID          string
	PlatformID        string
	RootingStatus     string
	UFSInfo           string
	EMMCInfo          string
	DefaultSecurity   string
	SecurityState     string
	KeystoreCounter   int
	MaxDownloadSize   int
	SectorSize        int
	SlotCount         int
	CurrentSlot       string
	BatteryLevel      int
	HasBatteryLevel   bool
	RootKeyHash       []byte
	FlashBothSlots    bool
}

// Options configures one flashing run, mirroring SXFlasher's
// constructor fields and the original CLI's flag set.
type Options struct {
	Dir           string
	Test          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	SyncTimeout   time.Duration
	EraseUserData bool
}

// dualSlotImages names the image stems that get flashed to both slots
// on a slot-aware device, per flash_stock's flash_booth_slots branch.
var dualSlotImages = map[string]bool{
	"bootloader": true,
	"bluetooth":  true,
	"dsp":        true,
	"modem":      true,
	"rdimage":    true,
}

// Phase names reported on the Event stream.
const (
	PhaseConnect     = "connect"
	PhaseBattery     = "battery"
	PhaseActivate    = "activate"
	PhaseRepartition = "repartition"
	PhaseSin         = "sin"
	PhaseTA          = "ta"
	PhaseBoot        = "boot"
	PhaseSlot        = "slot"
	PhaseDeactivate  = "deactivate"
	PhaseSync        = "sync"
	PhaseDone        = "done"
)

// Event is one progress notification emitted during FlashStock. Both
// internal/tui and the plain-text logger consume the same stream, so
// --tui is purely additive.
type Event struct {
	Phase   string
	Message string
	Err     error
}

// Orchestrator drives one device session end to end.
type Orchestrator struct {
	eng    *protocol.Engine
	log    *sxlog.Logger
	events chan<- Event

	mu        sync.Mutex
	connected bool
	flashMode bool
	vars      DeviceVars
}

// New wires an Orchestrator to eng. events may be nil if the caller
// does not want progress notifications.
func New(eng *protocol.Engine, logger *sxlog.Logger, events chan<- Event) *Orchestrator {
	return &Orchestrator{eng: eng, log: logger, events: events}
}

func (o *Orchestrator) emit(phase, msg string, err error) {
	if o.log != nil {
		if err != nil {
			o.log.Errorf("%s: %s: %v", phase, msg, err)
		} else {
			o.log.Infof("%s: %s", phase, msg)
		}
	}
	if o.events != nil {
		o.events <- Event{Phase: phase, Message: msg, Err: err}
	}
}

// Vars returns a copy of the device variables read during Connect.
func (o *Orchestrator) Vars() DeviceVars {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.vars
}

// Connect reads device identity/capability variables and probes
// signature:<size> support. In test>=100 mode ("dry harness") it skips
// the device entirely and fills in synthetic variables, mirroring
// SXFlasher.connect's `if self.test >= 100` branch.
func (o *Orchestrator) Connect(ctx context.Context, test int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.connected {
		return &StateError{Want: "disconnected", Got: "connected"}
	}

	if test >= 100 {
		o.vars = DeviceVars{
			UFSInfo:         "__UFS__",
			MaxDownloadSize: 400 * 1000 * 1000,
			SectorSize:      0x1000,
			SlotCount:       2,
			CurrentSlot:     "a",
			FlashBothSlots:  true,
			DefaultSecurity: "OFF",
		}
		o.eng.SignWithDataAllowed = false
		o.connected = true
		o.emit(PhaseConnect, "synthetic test-mode connect", nil)
		return nil
	}

	vars, err := o.readVars(ctx)
	if err != nil {
		o.emit(PhaseConnect, "read device variables", err)
		return err
	}
	o.vars = vars

	if _, err := o.eng.CheckSignatureCmd(ctx); err != nil {
		o.emit(PhaseConnect, "check signature:<size> support", err)
		return err
	}

	o.connected = true
	o.emit(PhaseConnect, fmt.Sprintf("connected to %s %s (slot %s)", vars.Product, vars.Version, vars.CurrentSlot), nil)
	return nil
}

func (o *Orchestrator) readVars(ctx context.Context) (DeviceVars, error) {
	var v DeviceVars

	maxDL, err := o.eng.Getvar(ctx, "max-download-size")
	if err != nil {
		return v, fmt.Errorf("orchestrator: max-download-size: %w", err)
	}
	v.MaxDownloadSize, err = strconv.Atoi(strings.TrimSpace(string(maxDL)))
	if err != nil {
		return v, fmt.Errorf("orchestrator: parse max-download-size %q: %w", maxDL, err)
	}
	o.eng.SetMaxDownloadSize(v.MaxDownloadSize)

	getInt := func(name string) (int, bool) {
		raw, err := o.eng.Getvar(ctx, name)
		if err != nil || len(raw) == 0 {
			return 0, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	getStr := func(name string) string {
		raw, err := o.eng.Getvar(ctx, name)
		if err != nil {
			return ""
		}
		return string(raw)
	}

	v.SectorSize, _ = getInt("Sector-size")
	v.Product = getStr("product")
	v.Version = getStr("version")
	v.BootloaderVersion = getStr("version-bootloader")
	v.BasebandVersion = getStr("version-baseband")
	v.SerialNo = getStr("serialno")
	v.Secure = getStr("secure")
	v.LoaderVersion = getStr("Loader-version")
	v.PhoneID = getStr("Phone-id")
	v.DeviceID = getStr("Device-id")
	v.PlatformID = getStr("Platform-id")
	v.RootingStatus = getStr("Rooting-status")
	v.UFSInfo = getStr("Ufs-info")
	v.EMMCInfo = getStr("Emmc-info")
	v.DefaultSecurity = getStr("Default-security")
	v.KeystoreCounter, _ = getInt("Keystore-counter")
	v.SecurityState = getStr("Security-state")

	_, _ = o.eng.Getvar(ctx, "Stored-security-state")
	_, _ = o.eng.Getvar(ctx, "Keystore-xcs")

	getStr("S1-root")
	getStr("Sake-root")

	hash, err := o.eng.GetRootKeyHash(ctx)
	if err != nil {
		return v, fmt.Errorf("orchestrator: Get-root-key-hash: %w", err)
	}
	v.RootKeyHash = hash

	slotCount, ok := getInt("slot-count")
	if ok {
		v.SlotCount = slotCount
		v.FlashBothSlots = slotCount == 2
	}
	v.CurrentSlot = getStr("current-slot")
	if lvl, ok := getInt("Battery"); ok {
		v.BatteryLevel = lvl
		v.HasBatteryLevel = true
	}

	_, _ = o.eng.Getvar(ctx, "Frp-partition")
	_, _ = o.eng.Getvar(ctx, "X-conf")
	_, _ = o.eng.Getvar(ctx, "Soc-unique-id")

	return v, nil
}

// CheckBattery logs a warning when the battery level read at connect
// time is low enough to risk a hard brick mid-flash.
func (o *Orchestrator) CheckBattery() {
	v := o.Vars()
	if !v.HasBatteryLevel {
		return
	}
	units, low := "%", false
	if v.BatteryLevel > 1150 {
		units = " mV"
		low = v.BatteryLevel < 3750
	} else {
		low = v.BatteryLevel < 17
	}
	if low {
		o.emit(PhaseBattery, fmt.Sprintf("battery level %d%s is low, risk of hard brick if it discharges mid-flash", v.BatteryLevel, units), nil)
	}
}

// ChangeFlashMode writes FLASH_MODE = 0x01/0x00. test > 0 skips the
// device write entirely, matching SXFlasher.change_flashmode's "Skip!
// reason: TEST MODE" branch.
func (o *Orchestrator) ChangeFlashMode(ctx context.Context, active bool, test int) error {
	phase := PhaseDeactivate
	verb := "deactivation"
	if active {
		phase, verb = PhaseActivate, "activation"
	}
	o.emit(phase, "flash mode "+verb, nil)

	if test != 0 {
		o.emit(phase, "skipped: test mode", nil)
		return nil
	}

	addr, err := ta.DefaultCatalog.Resolve("FLASH_MODE")
	if err != nil {
		return err
	}
	data := []byte{0x00}
	if active {
		data = []byte{0x01}
	}
	if err := o.eng.WriteTA(ctx, addr, data); err != nil {
		o.emit(phase, "write FLASH_MODE", err)
		return err
	}

	o.mu.Lock()
	o.flashMode = active
	o.mu.Unlock()
	return nil
}

// ActivateFlashMode is ChangeFlashMode(ctx, true, test).
func (o *Orchestrator) ActivateFlashMode(ctx context.Context, test int) error {
	return o.ChangeFlashMode(ctx, true, test)
}

// DeactivateFlashMode is ChangeFlashMode(ctx, false, test). When fin is
// true and flash mode is currently active, it lowers timeouts to 200ms
// and swallows any error — a best-effort cleanup on an error path,
// mirroring deactivate_flashmode(fin=True).
func (o *Orchestrator) DeactivateFlashMode(ctx context.Context, test int, fin bool) error {
	o.mu.Lock()
	active := o.flashMode
	o.mu.Unlock()

	if fin && active {
		read, write := o.eng.Timeouts()
		o.eng.SetTimeouts(200*time.Millisecond, 200*time.Millisecond)
		_ = o.ChangeFlashMode(ctx, false, test)
		o.eng.SetTimeouts(read, write)
		return nil
	}
	return o.ChangeFlashMode(ctx, false, test)
}

// PartitionList reads partition/partition_delivery.xml (or falls back
// to scanning partition/ for *.sin files) under dir.
func (o *Orchestrator) PartitionList(dir string) ([]string, error) {
	return manifest.PartitionList(filepath.Join(dir, "partition"))
}

// ProcessSin dispatches one SIN file with the given slot/aux settings.
func (o *Orchestrator) ProcessSin(ctx context.Context, path string, aux sin.AuxCommand, test int) error {
	v := o.Vars()
	opts := sin.DispatchOptions{
		Aux:               aux,
		CurrentSlot:       v.CurrentSlot,
		MaxDownloadSize:   v.MaxDownloadSize,
		SignWithDataAllow: o.eng.SignWithDataAllowed,
		DryRun:            test != 0,
	}
	o.emit(PhaseSin, fmt.Sprintf("dispatching %s", filepath.Base(path)), nil)
	if err := sin.Dispatch(ctx, o.eng, path, opts); err != nil {
		o.emit(PhaseSin, filepath.Base(path), err)
		return err
	}
	return nil
}

// ProcessTA applies a TA file's records to the device, skipping
// protected units and refusing files that declare more than maxUnits
// records when maxUnits > 0.
func (o *Orchestrator) ProcessTA(ctx context.Context, path string, maxUnits int, test int) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("orchestrator: read %s: %w", path, err)
	}
	records, err := ta.ParseFile(raw)
	if err != nil {
		return fmt.Errorf("orchestrator: parse %s: %w", path, err)
	}
	if maxUnits > 0 && len(records) > maxUnits {
		return fmt.Errorf("orchestrator: %s: %d units exceeds limit %d", filepath.Base(path), len(records), maxUnits)
	}

	for _, rec := range records {
		if ta.IsProtected(rec.Addr) {
			o.log.Debugf("skip TA unit %s in %s: protected", rec.Addr, filepath.Base(path))
			continue
		}
		o.emit(PhaseTA, fmt.Sprintf("Write-TA:%s size=%d", rec.Addr, len(rec.Value)), nil)
		if test != 0 {
			continue
		}
		if err := o.eng.WriteTA(ctx, rec.Addr, rec.Value); err != nil {
			o.emit(PhaseTA, rec.Addr.String(), err)
			return fmt.Errorf("orchestrator: Write-TA:%s: %w", rec.Addr, err)
		}
	}
	return nil
}

// TADump holds one partition's raw Read-all-TA blob plus its decoded
// records.
type TADump struct {
	Raw     []byte
	Records []ta.Record
}

// DumpAllTA reads both TA partitions via Read-all-TA and decodes each
// into Records, the Go equivalent of somcusb.py's dump_all_ta().
func (o *Orchestrator) DumpAllTA(ctx context.Context) (map[uint8]TADump, error) {
	out := make(map[uint8]TADump, 2)
	for part := uint8(1); part <= 2; part++ {
		raw, err := o.eng.ReadAllTA(ctx, part)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: Read-all-TA:%d: %w", part, err)
		}
		records, err := ta.ParseDump(part, raw)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: decode TA dump partition %d: %w", part, err)
		}
		out[part] = TADump{Raw: raw, Records: records}
	}
	return out, nil
}

// DumpErrorLog issues Getlog and returns the s1boot error log text.
func (o *Orchestrator) DumpErrorLog(ctx context.Context) ([]byte, error) {
	return o.eng.GetLog(ctx)
}

// DumpBootLog reads TA unit (2, 2050) LAST_BOOT_LOG.
func (o *Orchestrator) DumpBootLog(ctx context.Context) ([]byte, error) {
	addr, err := ta.DefaultCatalog.Resolve("LAST_BOOT_LOG")
	if err != nil {
		return nil, err
	}
	return o.eng.ReadTA(ctx, addr)
}

// PowerDown issues the raw powerdown command.
func (o *Orchestrator) PowerDown(ctx context.Context) error {
	return o.eng.PowerDown(ctx)
}
