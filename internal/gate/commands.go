package gate

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandKind identifies an operator command.
type CommandKind int

const (
	CommandOn CommandKind = iota + 1
	CommandOff
	CommandPay
)

// Command is a parsed operator command.
type Command struct {
	Kind CommandKind
	// Minutes is set for a timed !off.
	Minutes int
	// Days is set for a valid !pay.
	Days int
	// Invalid marks a !pay without a positive day count.
	Invalid bool
}

// Acknowledgement texts.
const (
	ackOn         = "🔊 Bot reactivado."
	ackOffForever = "🔇 Bot desactivado indefinidamente."
	ackOffTimed   = "⏸️ Bot pausado por %d minutos."
	ackPay        = "✅ Recordatorio de pago configurado para dentro de %d días."
	ackPayInvalid = "❌ Formato incorrecto. Usa: !pay <dias> (ej: !pay 30)"
)

// ParseCommand recognises !on, !off [minutes] and !pay <days>, case-insensitively.
func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return Command{}, false
	}

	switch fields[0] {
	case "!on":
		if len(fields) != 1 {
			return Command{}, false
		}
		return Command{Kind: CommandOn}, true
	case "!off":
		cmd := Command{Kind: CommandOff}
		if len(fields) > 1 {
			if m, err := strconv.Atoi(fields[1]); err == nil && m > 0 {
				cmd.Minutes = m
			}
		}
		return cmd, true
	case "!pay":
		cmd := Command{Kind: CommandPay, Invalid: true}
		if len(fields) > 1 {
			if d, err := strconv.Atoi(fields[1]); err == nil && d > 0 {
				cmd.Days = d
				cmd.Invalid = false
			}
		}
		return cmd, true
	default:
		return Command{}, false
	}
}

// Ack returns the acknowledgement sent for the command.
func (c Command) Ack() string {
	switch c.Kind {
	case CommandOn:
		return ackOn
	case CommandOff:
		if c.Minutes > 0 {
			return fmt.Sprintf(ackOffTimed, c.Minutes)
		}
		return ackOffForever
	case CommandPay:
		if c.Invalid {
			return ackPayInvalid
		}
		return fmt.Sprintf(ackPay, c.Days)
	default:
		return ""
	}
}

// AlwaysAck reports whether the acknowledgement is sent even when the
// command came from the operator's own device.
func (c Command) AlwaysAck() bool {
	return c.Kind == CommandPay
}
