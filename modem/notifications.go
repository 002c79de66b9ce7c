package modem

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/idpgw/at"
)

// Notification is one event flag of the S88/S89 registers, identified by
// its bit position.
type Notification uint

const (
	GNSSFixNew Notification = iota
	MessageMTReceived
	MessageMOComplete
	NetworkRegistered
	ModemReset
	JammingAntennaChange
	ModemResetPending
	WakeupPeriodChanged
	UTCTimeSet
	GNSSFixTimeout
	EventCached
	NetworkPingAcknowledged
)

// notificationNames is indexed by bit position, least significant first.
var notificationNames = [...]string{
	GNSSFixNew:              "gnss_fix_new",
	MessageMTReceived:       "message_mt_received",
	MessageMOComplete:       "message_mo_complete",
	NetworkRegistered:       "network_registered",
	ModemReset:              "modem_reset",
	JammingAntennaChange:    "jamming_antenna_change",
	ModemResetPending:       "modem_reset_pending",
	WakeupPeriodChanged:     "wakeup_period_changed",
	UTCTimeSet:              "utc_time_set",
	GNSSFixTimeout:          "gnss_fix_timeout",
	EventCached:             "event_cached",
	NetworkPingAcknowledged: "network_ping_acknowledged",
}

func (n Notification) String() string {
	if int(n) < len(notificationNames) {
		return notificationNames[n]
	}
	return fmt.Sprintf("bit%d", uint(n))
}

// Notifications is the named view of a notification register. It holds
// every known flag, set or not.
type Notifications map[string]bool

// Active returns the names of the set flags in bit order.
func (n Notifications) Active() []string {
	var out []string
	for _, name := range notificationNames {
		if n[name] {
			out = append(out, name)
		}
	}
	return out
}

// NotificationNames returns the flag names in bit order.
func NotificationNames() []string {
	return append([]string(nil), notificationNames[:]...)
}

// DecodeNotifications maps each bit of v to its flag name. Bits beyond the
// known flags are ignored.
func DecodeNotifications(v uint32) Notifications {
	out := make(Notifications, len(notificationNames))
	for i, name := range notificationNames {
		out[name] = v&(1<<uint(i)) != 0
	}
	return out
}

// EncodeNotifications is the inverse of DecodeNotifications. Unknown names
// are rejected.
func EncodeNotifications(flags Notifications) (uint32, error) {
	var v uint32
	for name, set := range flags {
		i := notificationIndex(name)
		if i < 0 {
			return 0, fmt.Errorf("unknown notification %q", name)
		}
		if set {
			v |= 1 << uint(i)
		}
	}
	return v, nil
}

// ParseNotificationBits decodes a binary rendering of the register, most
// significant bit first, e.g. "000000000110".
func ParseNotificationBits(s string) (Notifications, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0b")
	if s == "" {
		return nil, fmt.Errorf("empty notification bitmask")
	}
	var v uint32
	for i, r := range s {
		bit := len(s) - 1 - i
		switch r {
		case '0':
		case '1':
			if bit < 32 {
				v |= 1 << uint(bit)
			}
		default:
			return nil, fmt.Errorf("invalid notification bitmask %q", s)
		}
	}
	return DecodeNotifications(v), nil
}

func notificationIndex(name string) int {
	for i, n := range notificationNames {
		if n == name {
			return i
		}
	}
	return -1
}

// NotificationControl returns the events that assert the notification
// output (S88).
func (m *Modem) NotificationControl(ctx context.Context) (Notifications, error) {
	v, err := m.RegisterGet(ctx, RegNotifyControl)
	if err != nil {
		return nil, fmt.Errorf("get notification control: %w", err)
	}
	return DecodeNotifications(uint32(v)), nil
}

// SetNotificationControl updates the events that assert the notification
// output (S88). Only the named flags change; the register is read first so
// events enabled elsewhere stay enabled.
func (m *Modem) SetNotificationControl(ctx context.Context, flags Notifications) error {
	if _, err := EncodeNotifications(flags); err != nil {
		return err
	}
	current, err := m.NotificationControl(ctx)
	if err != nil {
		return err
	}
	for name, set := range flags {
		current[name] = set
	}
	v, err := EncodeNotifications(current)
	if err != nil {
		return err
	}
	if err := m.RegisterSet(ctx, RegNotifyControl, int(v)); err != nil {
		return fmt.Errorf("set notification control: %w", err)
	}
	return nil
}

// NotificationStatus returns the latched events (S89). Reading the
// register clears it on the modem.
func (m *Modem) NotificationStatus(ctx context.Context) (Notifications, error) {
	v, err := m.RegisterGet(ctx, RegNotifyStatus)
	if err != nil {
		return nil, fmt.Errorf("get notification status: %w", err)
	}
	return DecodeNotifications(uint32(v)), nil
}

// TraceEvent identifies a trace event by class and subclass.
type TraceEvent struct {
	Class    int
	Subclass int
	// Cached is set when the modem holds an instance of the event.
	Cached bool
}

func (t TraceEvent) String() string {
	return fmt.Sprintf("%d.%d", t.Class, t.Subclass)
}

// EventMonitor returns the trace events the modem monitors (%EVMON).
func (m *Modem) EventMonitor(ctx context.Context) ([]TraceEvent, error) {
	resp, err := m.exec(ctx, at.CmdEventMonitor)
	if err != nil {
		return nil, fmt.Errorf("get event monitor: %w", err)
	}
	list := resp.First(at.RespEventMonitor)
	if list == "" {
		return nil, nil
	}
	var events []TraceEvent
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		cached := strings.HasSuffix(item, "*")
		class, sub, ok := strings.Cut(strings.TrimSuffix(item, "*"), ".")
		c, err1 := strconv.Atoi(class)
		s, err2 := strconv.Atoi(sub)
		if !ok || err1 != nil || err2 != nil {
			return nil, malformed(at.CmdEventMonitor, resp.Lines...)
		}
		events = append(events, TraceEvent{Class: c, Subclass: s, Cached: cached})
	}
	return events, nil
}

// SetEventMonitor replaces the monitored trace events.
func (m *Modem) SetEventMonitor(ctx context.Context, events []TraceEvent) error {
	parts := make([]string, len(events))
	for i, e := range events {
		parts[i] = e.String()
	}
	if _, err := m.exec(ctx, at.CmdEventMonitor+"="+strings.Join(parts, ",")); err != nil {
		return fmt.Errorf("set event monitor: %w", err)
	}
	return nil
}

// EventRecord is a cached trace event retrieved with %EVNT.
type EventRecord struct {
	Class     int
	Subclass  int
	Priority  int
	MobileID  string
	Timestamp int64
	Data      []int64
}

// GetEvent retrieves the cached instance of a trace event. Data values
// flagged in the signed bitmask are sign-extended from 32 bits.
func (m *Modem) GetEvent(ctx context.Context, class, subclass int) (*EventRecord, error) {
	cmd := fmt.Sprintf("%s=%d,%d", at.CmdEventGet, class, subclass)
	resp, err := m.exec(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("get event %d.%d: %w", class, subclass, err)
	}
	return parseEvent(cmd, resp.First(at.RespEventGet))
}

// eventEpoch is 2001-01-01T00:00:00Z, the origin of event timestamps.
const eventEpoch = 978307200

// parseEvent decodes "<count>,<signedBitmask>,<MTID>,<timestamp>,<class>,
// <subclass>,<priority>,<data0>,...".
func parseEvent(cmd, line string) (*EventRecord, error) {
	f := strings.Split(line, ",")
	if len(f) < 7 {
		return nil, malformed(cmd, line)
	}
	nums := make([]int64, 0, len(f))
	for _, i := range []int{0, 1, 3, 4, 5, 6} {
		n, err := strconv.ParseInt(strings.TrimSpace(f[i]), 10, 64)
		if err != nil {
			return nil, malformed(cmd, line)
		}
		nums = append(nums, n)
	}
	count, signed := int(nums[0]), uint64(nums[1])
	if len(f)-7 != count {
		return nil, malformed(cmd, line)
	}
	rec := &EventRecord{
		MobileID:  strings.Trim(strings.TrimSpace(f[2]), `"`),
		Timestamp: nums[2] + eventEpoch,
		Class:     int(nums[3]),
		Subclass:  int(nums[4]),
		Priority:  int(nums[5]),
	}
	for i, raw := range f[7:] {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, malformed(cmd, line)
		}
		if signed&(1<<uint(i)) != 0 {
			v = int64(int32(uint32(v)))
		}
		rec.Data = append(rec.Data, v)
	}
	return rec, nil
}
