package orchestrator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/remittor/sxflasher/internal/manifest"
	"github.com/remittor/sxflasher/internal/sin"
)

// FlashStock runs one full firmware-directory flash: connect, battery
// check, activate flash mode, repartition, flash every SIN image, apply
// TA files, pick and flash the matching boot delivery configuration,
// set the active slot, deactivate flash mode and sync. It mirrors
// sxflasher.py's SXFlasher.flash_stock top to bottom.
func (o *Orchestrator) FlashStock(ctx context.Context, opts Options) (err error) {
	if err := o.Connect(ctx, opts.Test); err != nil {
		return err
	}
	o.CheckBattery()

	defer func() {
		if err != nil {
			_ = o.DeactivateFlashMode(ctx, opts.Test, true)
		}
	}()

	if err := o.ActivateFlashMode(ctx, opts.Test); err != nil {
		return err
	}

	if opts.Test < 100 {
		if log, logErr := o.DumpErrorLog(ctx); logErr == nil {
			o.emit(PhaseActivate, fmt.Sprintf("pre-flash error log: %d bytes", len(log)), nil)
		}
	}

	if err := o.repartition(ctx, opts); err != nil {
		return err
	}
	if err := o.flashSinFiles(ctx, opts); err != nil {
		return err
	}
	if err := o.flashTAFiles(ctx, opts); err != nil {
		return err
	}
	if err := o.flashBootDelivery(ctx, opts); err != nil {
		return err
	}

	if opts.Test < 100 {
		if log, logErr := o.DumpErrorLog(ctx); logErr == nil {
			o.emit(PhaseBoot, fmt.Sprintf("post-flash error log: %d bytes", len(log)), nil)
		}
	}

	if err := o.setActiveSlot(ctx, opts); err != nil {
		return err
	}

	if err := o.DeactivateFlashMode(ctx, opts.Test, false); err != nil {
		return err
	}

	if opts.Test >= 100 {
		o.emit(PhaseSync, "synthetic test-mode sync", nil)
		o.emit(PhaseDone, "flash complete", nil)
		return nil
	}

	readT, writeT := o.eng.Timeouts()
	syncTimeout := opts.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 30 * time.Second
	}
	o.eng.SetTimeouts(syncTimeout, writeT)
	resp, syncErr := o.eng.Command(ctx, "Sync")
	o.eng.SetTimeouts(readT, writeT)
	if syncErr != nil {
		o.emit(PhaseSync, "Sync", syncErr)
		return syncErr
	}
	if !resp.OK {
		err := fmt.Errorf("orchestrator: Sync failed: %s", resp.Reason)
		o.emit(PhaseSync, "Sync", err)
		return err
	}

	if log, logErr := o.DumpErrorLog(ctx); logErr == nil {
		o.emit(PhaseDone, fmt.Sprintf("final error log: %d bytes", len(log)), nil)
	}
	o.emit(PhaseDone, "flash complete", nil)
	return nil
}

// setActiveSlot sets the device's active slot to its current slot
// (sxflasher.py sets slot = self.current_slot, not its opposite) once
// flashing and the TA/boot passes have completed. A device with no
// slot concept (current_slot empty) is left alone.
func (o *Orchestrator) setActiveSlot(ctx context.Context, opts Options) error {
	v := o.Vars()
	if v.CurrentSlot == "" {
		return nil
	}
	if opts.Test < 100 {
		if _, err := o.eng.SetCurrentSlot(ctx, v.CurrentSlot); err != nil {
			o.emit(PhaseSlot, "set_active", err)
			return err
		}
	}
	o.emit(PhaseSlot, fmt.Sprintf("active slot set to %s", v.CurrentSlot), nil)
	return nil
}

// repartition flashes every SIN under <dir>/partition using
// Repartition:<N> aux commands, skipping images whose file name names
// none of LUN0-LUN3, and LUN0 images whose name contains neither
// LUN0_<lun0 KiB size>_ nor LUN0_X-FLASH-ALL (process_partition's
// name-based filtering).
func (o *Orchestrator) repartition(ctx context.Context, opts Options) error {
	partDir := filepath.Join(opts.Dir, "partition")
	if _, statErr := os.Stat(partDir); errors.Is(statErr, os.ErrNotExist) {
		o.emit(PhaseRepartition, "no partition directory, skipping repartition", nil)
		return nil
	}

	files, err := o.PartitionList(opts.Dir)
	if err != nil {
		return err
	}

	lun0Size, err := o.lun0Size(ctx, opts.Test)
	if err != nil {
		return err
	}
	o.emit(PhaseRepartition, fmt.Sprintf("LUN0 size = %d KiB", lun0Size), nil)
	if lun0Size <= 0 {
		return nil
	}

	for _, path := range files {
		name := filepath.Base(path)
		if !(strings.Contains(name, "LUN0") || strings.Contains(name, "LUN1") ||
			strings.Contains(name, "LUN2") || strings.Contains(name, "LUN3")) {
			o.emit(PhaseRepartition, fmt.Sprintf("skip %s: incorrect name", name), nil)
			continue
		}
		if strings.Contains(name, "LUN0") {
			want := fmt.Sprintf("LUN0_%d_", lun0Size)
			if !strings.Contains(name, want) && !strings.Contains(name, "LUN0_X-FLASH-ALL") {
				o.emit(PhaseRepartition, fmt.Sprintf("skip %s: incorrect name", name), nil)
				continue
			}
		}
		if err := o.ProcessSin(ctx, path, sin.AuxRepartition, opts.Test); err != nil {
			return err
		}
	}
	return nil
}

// lun0Size reads the LUN0 (UFS) or EMMC_part_0 (eMMC) size in KiB via
// Get-ufs-info/Get-emmc-info, mirroring process_partition's header
// parse. test>=100 (fully synthetic device) returns the dry-harness
// constant without touching the device.
func (o *Orchestrator) lun0Size(ctx context.Context, test int) (int, error) {
	if test >= 100 {
		return 0x10, nil
	}

	v := o.Vars()
	useUFS := v.UFSInfo != ""
	cmd := "Get-emmc-info"
	if useUFS {
		cmd = "Get-ufs-info"
	}

	resp, err := o.eng.Command(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: %s: %w", cmd, err)
	}
	if !resp.OK {
		return 0, fmt.Errorf("orchestrator: %s: %s", cmd, resp.Reason)
	}
	info := resp.Payload
	if len(info) < 0x20 {
		return 0, fmt.Errorf("orchestrator: %s: short response (%d bytes)", cmd, len(info))
	}

	var raw uint32
	if useUFS {
		descSz := int(info[0])
		pos := descSz + 0x1C
		if len(info) < pos+4 {
			return 0, fmt.Errorf("orchestrator: %s: response too short for descriptor size %d", cmd, descSz)
		}
		raw = binary.BigEndian.Uint32(info[pos : pos+4])
	} else {
		pos := 0xD4
		if len(info) < pos+4 {
			return 0, fmt.Errorf("orchestrator: %s: response too short", cmd)
		}
		raw = binary.LittleEndian.Uint32(info[pos : pos+4])
	}
	if raw == 0 {
		return 0, nil
	}
	if v.SectorSize == 0 {
		return 0, fmt.Errorf("orchestrator: cannot determine sector size")
	}
	return int(raw) * v.SectorSize / 1024, nil
}

// flashSinFiles walks opts.Dir for top-level *.sin images (excluding
// partition/persist images, handled separately) and dispatches each
// with AuxFlash. Images in dualSlotImages are additionally flashed to
// the non-active slot first when the device reports FlashBothSlots,
// mirroring flash_stock's flash_booth_slots branch.
func (o *Orchestrator) flashSinFiles(ctx context.Context, opts Options) error {
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return fmt.Errorf("orchestrator: read %s: %w", opts.Dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".sin") {
			continue
		}
		if strings.Contains(lower, "partition") || strings.Contains(lower, "persist") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	update, err := manifest.ParseUpdateManifest(opts.Dir)
	if err != nil {
		return err
	}

	for _, name := range names {
		path := filepath.Join(opts.Dir, name)

		if update.SkipForNoErase(name, opts.EraseUserData) {
			o.emit(PhaseSin, fmt.Sprintf("skip %s: NOERASE and erase-userdata not requested", name), nil)
			continue
		}

		imgname, err := sin.ImageName(path)
		if err != nil {
			return fmt.Errorf("orchestrator: %s: %w", name, err)
		}

		v := o.Vars()
		if v.FlashBothSlots && dualSlotImages[imgname] {
			other := "b"
			if v.CurrentSlot == "b" {
				other = "a"
			}
			o.mu.Lock()
			o.vars.CurrentSlot = other
			o.mu.Unlock()

			otherErr := o.ProcessSin(ctx, path, sin.AuxFlash, opts.Test)

			o.mu.Lock()
			o.vars.CurrentSlot = v.CurrentSlot
			o.mu.Unlock()

			if otherErr != nil {
				return otherErr
			}
		}

		if err := o.ProcessSin(ctx, path, sin.AuxFlash, opts.Test); err != nil {
			return err
		}
	}
	return nil
}

// flashTAFiles applies every *.ta file at the top of opts.Dir, refusing
// any file that carries more than one unit.
func (o *Orchestrator) flashTAFiles(ctx context.Context, opts Options) error {
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return fmt.Errorf("orchestrator: read %s: %w", opts.Dir, err)
	}

	update, err := manifest.ParseUpdateManifest(opts.Dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".ta") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if update.SkipForNoErase(name, opts.EraseUserData) {
			o.emit(PhaseTA, fmt.Sprintf("skip %s: NOERASE and erase-userdata not requested", name), nil)
			continue
		}
		path := filepath.Join(opts.Dir, name)
		if err := o.ProcessTA(ctx, path, 1, opts.Test); err != nil {
			return err
		}
	}
	return nil
}

// flashBootDelivery selects the boot_delivery.xml configuration
// matching the device's security state and platform, then flashes its
// boot images. Exactly one of the selected configuration's images must
// resolve to image name "bootloader".
func (o *Orchestrator) flashBootDelivery(ctx context.Context, opts Options) error {
	bootDir := filepath.Join(opts.Dir, "boot")
	if _, err := os.Stat(filepath.Join(bootDir, "boot_delivery.xml")); os.IsNotExist(err) {
		o.emit(PhaseBoot, "no boot_delivery.xml, skipping boot image flash", nil)
		return nil
	}

	bd, err := manifest.ParseBootDelivery(bootDir)
	if err != nil {
		return err
	}

	v := o.Vars()
	conf, err := bd.SelectConfig(v.DefaultSecurity, v.PlatformID, v.RootKeyHash)
	if err != nil {
		return fmt.Errorf("orchestrator: select boot configuration: %w", err)
	}
	o.emit(PhaseBoot, fmt.Sprintf("selected boot configuration %q", conf.Name), nil)

	for _, fn := range conf.BootConfig {
		path := filepath.Join(bootDir, fn)
		if err := o.ProcessTA(ctx, path, 0, opts.Test); err != nil {
			return fmt.Errorf("orchestrator: boot TA %s: %w", fn, err)
		}
	}

	bootloaders := 0
	for _, rel := range conf.BootImages {
		path := filepath.Join(bootDir, rel)
		imgname, err := sin.ImageName(path)
		if err != nil {
			return fmt.Errorf("orchestrator: boot image %s: %w", rel, err)
		}
		if imgname == "bootloader" {
			bootloaders++
		}
		if err := o.ProcessSin(ctx, path, sin.AuxFlash, opts.Test); err != nil {
			return err
		}
	}
	if bootloaders != 1 {
		return fmt.Errorf("orchestrator: boot configuration %q has %d bootloader images, expected exactly one", conf.Name, bootloaders)
	}
	return nil
}
