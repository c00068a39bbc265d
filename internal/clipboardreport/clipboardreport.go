// Package clipboardreport copies a short end-of-run diagnostic summary
// to the system clipboard for pasting into a support ticket.
//
// Grounded on internal/cli/ui/ui.go's clipboard.WriteAll(msg.Text)
// pattern (copy-on-demand, silently skipped if the clipboard is
// unavailable rather than treated as fatal).
package clipboardreport

import (
	"fmt"
	"strings"

	"github.com/atotto/clipboard"

	"github.com/remittor/sxflasher/internal/orchestrator"
)

// Summary formats a device session's vars and final phase into a
// short plain-text report.
func Summary(v orchestrator.DeviceVars, finalPhase, finalMessage string, runErr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sxflasher report\n")
	fmt.Fprintf(&b, "product: %s\n", v.Product)
	fmt.Fprintf(&b, "version: %s\n", v.Version)
	fmt.Fprintf(&b, "bootloader: %s\n", v.BootloaderVersion)
	fmt.Fprintf(&b, "baseband: %s\n", v.BasebandVersion)
	fmt.Fprintf(&b, "serialno: %s\n", v.SerialNo)
	fmt.Fprintf(&b, "slot: %s\n", v.CurrentSlot)
	fmt.Fprintf(&b, "phase: %s\n", finalPhase)
	fmt.Fprintf(&b, "message: %s\n", finalMessage)
	if runErr != nil {
		fmt.Fprintf(&b, "error: %s\n", runErr.Error())
	}
	return b.String()
}

// Copy writes text to the clipboard, returning whether the copy
// actually happened — clipboard access can fail on headless hosts, and
// that is not treated as an error the caller needs to surface loudly.
func Copy(text string) bool {
	return clipboard.WriteAll(text) == nil
}
