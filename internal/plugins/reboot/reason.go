package reboot

import (
	"fmt"
	"strconv"
	"strings"
)

// Reason is a Memfault reboot reason code
type Reason uint32

// Reboot reasons. Codes from 0x8000 are unexpected resets.
const (
	ReasonUnknown        Reason = 0x0000
	ReasonUserShutdown   Reason = 0x0001
	ReasonUserReset      Reason = 0x0002
	ReasonFirmwareUpdate Reason = 0x0003
	ReasonLowPower       Reason = 0x0004
	ReasonDebuggerHalted Reason = 0x0005
	ReasonButtonReset    Reason = 0x0006
	ReasonPowerOnReset   Reason = 0x0007
	ReasonSoftwareReset  Reason = 0x0008
	ReasonDeepSleep      Reason = 0x0009
	ReasonPinReset       Reason = 0x000A

	ReasonUnknownError        Reason = 0x8000
	ReasonAssert              Reason = 0x8001
	ReasonWatchdogDeprecated  Reason = 0x8002
	ReasonBrownOutReset       Reason = 0x8003
	ReasonNmi                 Reason = 0x8004
	ReasonHardwareWatchdog    Reason = 0x8005
	ReasonSoftwareWatchdog    Reason = 0x8006
	ReasonClockFailure        Reason = 0x8007
	ReasonKernelPanic         Reason = 0x8008
	ReasonFirmwareUpdateError Reason = 0x8009
)

var reasonNames = map[Reason]string{
	ReasonUnknown:             "Unknown",
	ReasonUserShutdown:        "UserShutdown",
	ReasonUserReset:           "UserReset",
	ReasonFirmwareUpdate:      "FirmwareUpdate",
	ReasonLowPower:            "LowPower",
	ReasonDebuggerHalted:      "DebuggerHalted",
	ReasonButtonReset:         "ButtonReset",
	ReasonPowerOnReset:        "PowerOnReset",
	ReasonSoftwareReset:       "SoftwareReset",
	ReasonDeepSleep:           "DeepSleep",
	ReasonPinReset:            "PinReset",
	ReasonUnknownError:        "UnknownError",
	ReasonAssert:              "Assert",
	ReasonWatchdogDeprecated:  "WatchdogDeprecated",
	ReasonBrownOutReset:       "BrownOutReset",
	ReasonNmi:                 "Nmi",
	ReasonHardwareWatchdog:    "HardwareWatchdog",
	ReasonSoftwareWatchdog:    "SoftwareWatchdog",
	ReasonClockFailure:        "ClockFailure",
	ReasonKernelPanic:         "KernelPanic",
	ReasonFirmwareUpdateError: "FirmwareUpdateError",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Reason(0x%04x)", uint32(r))
}

// ParseReason parses a decimal or 0x-prefixed code as written to reason files
func ParseReason(s string) (Reason, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return ReasonUnknown, fmt.Errorf("invalid reboot reason %q: %w", strings.TrimSpace(s), err)
	}
	return Reason(v), nil
}
