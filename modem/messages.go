package modem

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/idpgw/at"
)

// MessageState is the queue state the modem reports for a message.
type MessageState int

const (
	StateUnavailable MessageState = iota
	StateRxPending
	StateRxComplete
	StateRxRetrieved
	StateTxReady
	StateTxSending
	StateTxComplete
	StateTxFailed
	StateTxCancelled
)

var stateNames = [...]string{
	"UNAVAILABLE", "RX_PENDING", "RX_COMPLETE", "RX_RETRIEVED",
	"TX_READY", "TX_SENDING", "TX_COMPLETE", "TX_FAILED", "TX_CANCELLED",
}

func (s MessageState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Final reports whether the modem will not change the state any more.
func (s MessageState) Final() bool {
	return s == StateTxComplete || s == StateTxFailed || s == StateTxCancelled
}

// DataFormat selects how a payload is carried in AT commands.
type DataFormat int

const (
	FormatText   DataFormat = 1
	FormatHex    DataFormat = 2
	FormatBase64 DataFormat = 3
)

func (f DataFormat) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatHex:
		return "hex"
	case FormatBase64:
		return "base64"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseDataFormat accepts the names returned by String and the numeric
// codes.
func ParseDataFormat(s string) (DataFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "base64", "3":
		return FormatBase64, nil
	case "text", "1":
		return FormatText, nil
	case "hex", "2":
		return FormatHex, nil
	}
	return 0, fmt.Errorf("unknown data format %q", s)
}

const (
	// maxMOSize is the largest MO message in bytes, SIN and MIN included.
	maxMOSize = 6400
	// maxMTSize is the largest MT message in bytes.
	maxMTSize = 10000
	// nameLength is the longest message name the modem accepts.
	nameLength = 8
)

// MOMessage is a mobile-originated message as reported by %MGRS.
type MOMessage struct {
	Name     string       `json:"name"`
	Number   int          `json:"number"`
	Priority int          `json:"priority"`
	SIN      int          `json:"sin"`
	State    MessageState `json:"state"`
	Size     int          `json:"size"`
	Sent     int          `json:"sent"`
}

// MTMessage is a mobile-terminated message as reported by %MGFN, or
// retrieved with %MGFG when Payload is set.
type MTMessage struct {
	Name     string       `json:"name"`
	Number   int          `json:"number"`
	Sequence int          `json:"sequence"`
	Priority int          `json:"priority"`
	SIN      int          `json:"sin"`
	MIN      int          `json:"min,omitempty"`
	State    MessageState `json:"state"`
	Length   int          `json:"length"`
	Received int          `json:"received,omitempty"`
	Format   DataFormat   `json:"format,omitempty"`
	// Payload is the complete message, SIN first.
	Payload []byte `json:"payload,omitempty"`
}

// MOSubmit describes a message to queue for transmission.
type MOSubmit struct {
	// Name identifies the message in the modem queue. Longer names are
	// truncated; an empty name is derived from the clock.
	Name string
	// Priority is 1 (high) to 4 (low). Zero selects 4.
	Priority int
	SIN      int
	// MIN is the optional second header byte.
	MIN *int
	// Payload follows the header bytes.
	Payload []byte
	// Format selects the encoding on the serial line. Zero selects base64.
	Format DataFormat
	// Timeout overrides the size-derived transfer timeout.
	Timeout time.Duration
}

// SubmitMO queues a mobile-originated message and returns its name.
// Invalid parameters and modem refusals both return an error matching
// ErrRejected; a refusal also carries the *DeviceError with the cause.
func (m *Modem) SubmitMO(ctx context.Context, msg MOSubmit) (string, error) {
	if msg.SIN < 16 || msg.SIN > 255 {
		return "", fmt.Errorf("%w: SIN %d outside 16..255", ErrRejected, msg.SIN)
	}
	minPart := ""
	if msg.MIN != nil {
		if *msg.MIN < 0 || *msg.MIN > 255 {
			return "", fmt.Errorf("%w: MIN %d outside 0..255", ErrRejected, *msg.MIN)
		}
		minPart = "." + strconv.Itoa(*msg.MIN)
	}
	priority := msg.Priority
	if priority == 0 {
		priority = 4
	}
	if priority < 1 || priority > 4 {
		return "", fmt.Errorf("%w: priority %d outside 1..4", ErrRejected, priority)
	}
	size := 1 + len(msg.Payload)
	if msg.MIN != nil {
		size++
	}
	if size > maxMOSize {
		return "", fmt.Errorf("%w: message of %d bytes exceeds %d", ErrRejected, size, maxMOSize)
	}
	format := msg.Format
	if format == 0 {
		format = FormatBase64
	}
	data, err := encodePayload(format, msg.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}

	name := msg.Name
	switch {
	case name == "":
		name = m.nextName()
	case len(name) > nameLength:
		m.logger.Warn("Truncating MO message name", "name", name)
		name = name[:nameLength]
	}

	cmd := fmt.Sprintf(`%s="%s",%d,%d%s,%d,%s`, at.CmdMOSubmit, name, priority, msg.SIN, minPart, int(format), data)
	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = m.transferTimeout(len(cmd))
	}

	m.logger.Debug("Submitting MO message", "name", name, "sin", msg.SIN, "size", size)
	if _, err := m.execTimeout(ctx, cmd, timeout); err != nil {
		var de *DeviceError
		if errors.As(err, &de) {
			return "", fmt.Errorf("%w: submit %s: %w", ErrRejected, name, err)
		}
		return "", fmt.Errorf("submit %s: %w", name, err)
	}
	return name, nil
}

// nextName derives a message name from the last eight digits of the unix
// time. Names never repeat or go backwards within one Modem.
func (m *Modem) nextName() string {
	const modulo = 100_000_000
	m.mu.Lock()
	defer m.mu.Unlock()
	n := time.Now().Unix() % modulo
	if n <= m.lastName {
		n = m.lastName + 1
	}
	m.lastName = n
	return fmt.Sprintf("%08d", n%modulo)
}

// transferTimeout sizes the wait for a transfer of n bytes over the serial
// line: three times the wire time, never less than the AT timeout.
func (m *Modem) transferTimeout(n int) time.Duration {
	baud := m.config.baudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	secs := (n*8 + baud - 1) / baud
	if d := time.Duration(3*secs) * time.Second; d > m.config.atTimeout {
		return d
	}
	return m.config.atTimeout
}

// PollMO returns the state of one queued MO message, or of all of them
// when name is empty.
func (m *Modem) PollMO(ctx context.Context, name string) ([]MOMessage, error) {
	cmd := at.CmdMOState
	if name != "" {
		cmd += `="` + name + `"`
	}
	resp, err := m.exec(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("poll MO: %w", err)
	}

	var msgs []MOMessage
	// %MGRS: "<name>",<msg_no>,<priority>,<sin>,<state>,<size>,<sent_bytes>
	for _, line := range resp.Prefixed(at.RespMOState) {
		if line == "" {
			continue
		}
		n, ok := atoiFields(line, 7, 1)
		if !ok {
			return nil, malformed(cmd, resp.Lines...)
		}
		msgs = append(msgs, MOMessage{
			Name:     unquote(strings.SplitN(line, ",", 2)[0]),
			Number:   n[1],
			Priority: n[2],
			SIN:      n[3],
			State:    MessageState(n[4]),
			Size:     n[5],
			Sent:     n[6],
		})
	}
	if name == "" {
		m.metrics.QueueDepth("mo", len(msgs))
	}
	return msgs, nil
}

// CancelMO asks the modem to cancel a queued message. It returns false,
// without error, when the modem refuses, e.g. because the message is
// already being sent.
func (m *Modem) CancelMO(ctx context.Context, name string) (bool, error) {
	_, err := m.exec(ctx, fmt.Sprintf(`%s="%s"`, at.CmdMOCancel, name))
	var de *DeviceError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &de) && !de.Malformed:
		m.logger.Debug("MO cancel refused", "name", name, "cause", de.Cause)
		return false, nil
	default:
		return false, fmt.Errorf("cancel MO %s: %w", name, err)
	}
}

// ClearMO cancels every queued message that has not started sending and
// returns how many were cancelled. Messages already in flight are left
// alone and only reported in the log.
func (m *Modem) ClearMO(ctx context.Context) (int, error) {
	msgs, err := m.PollMO(ctx, "")
	if err != nil {
		return 0, err
	}
	var cancelled, open int
	for _, msg := range msgs {
		switch {
		case msg.State < StateTxSending:
			ok, err := m.CancelMO(ctx, msg.Name)
			if err != nil {
				return cancelled, err
			}
			if ok {
				cancelled++
			} else {
				open++
			}
		case msg.State == StateTxSending:
			open++
		}
	}
	if open > 0 {
		m.logger.Warn("MO messages still pending after clear", "open", open)
	}
	return cancelled, nil
}

// ListMO returns the names in the MO queue (%MGRL).
func (m *Modem) ListMO(ctx context.Context) ([]string, error) {
	resp, err := m.exec(ctx, at.CmdMOList)
	if err != nil {
		return nil, fmt.Errorf("list MO: %w", err)
	}
	var names []string
	for _, line := range resp.Prefixed(at.RespMOList) {
		for _, f := range strings.Split(line, ",") {
			if name := unquote(f); name != "" {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// PollMT lists the mobile-terminated messages waiting in the modem.
func (m *Modem) PollMT(ctx context.Context) ([]MTMessage, error) {
	resp, err := m.exec(ctx, at.CmdMTList)
	if err != nil {
		return nil, fmt.Errorf("poll MT: %w", err)
	}

	var msgs []MTMessage
	// %MGFN: "<name>",<num>.<seq>,<priority>,<sin>,<state>,<length>,<received>
	for _, line := range resp.Prefixed(at.RespMTList) {
		if line == "" {
			continue
		}
		n, ok := atoiFields(line, 7, 2)
		f := strings.Split(line, ",")
		if !ok {
			return nil, malformed(at.CmdMTList, resp.Lines...)
		}
		num, seq, ok := splitNumber(f[1])
		if !ok {
			return nil, malformed(at.CmdMTList, resp.Lines...)
		}
		msgs = append(msgs, MTMessage{
			Name:     unquote(f[0]),
			Number:   num,
			Sequence: seq,
			Priority: n[2],
			SIN:      n[3],
			State:    MessageState(n[4]),
			Length:   n[5],
			Received: n[6],
		})
	}
	m.metrics.QueueDepth("mt", len(msgs))
	return msgs, nil
}

// GetMT retrieves a waiting message. The modem strips the SIN from the
// data field; it is restored so Payload holds the complete message.
func (m *Modem) GetMT(ctx context.Context, name string, format DataFormat) (*MTMessage, error) {
	if format == 0 {
		format = FormatBase64
	}
	cmd := fmt.Sprintf(`%s="%s",%d`, at.CmdMTGet, name, int(format))
	resp, err := m.execTimeout(ctx, cmd, m.transferTimeout(maxMTSize*2))
	if err != nil {
		return nil, fmt.Errorf("get MT %s: %w", name, err)
	}
	msg, err := parseMTGet(cmd, resp.First(at.RespMTGet), format)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// parseMTGet decodes
// "<name>",<num>.<seq>,<priority>,<sin>,<state>,<length>,<format>,<data>.
func parseMTGet(cmd, line string, format DataFormat) (*MTMessage, error) {
	f := strings.SplitN(line, ",", 8)
	if len(f) != 8 {
		return nil, malformed(cmd, line)
	}
	n, ok := atoiFields(strings.Join(f[:7], ","), 7, 2)
	if !ok {
		return nil, malformed(cmd, line)
	}
	num, seq, ok := splitNumber(f[1])
	if !ok || n[3] < 0 || n[3] > 255 {
		return nil, malformed(cmd, line)
	}
	data, err := decodePayload(format, f[7])
	if err != nil {
		return nil, malformed(cmd, line)
	}
	payload := append([]byte{byte(n[3])}, data...)
	msg := &MTMessage{
		Name:     unquote(f[0]),
		Number:   num,
		Sequence: seq,
		Priority: n[2],
		SIN:      n[3],
		State:    MessageState(n[4]),
		Length:   n[5],
		Format:   format,
		Payload:  payload,
	}
	if len(payload) > 1 {
		msg.MIN = int(payload[1])
	}
	return msg, nil
}

// DeleteMT marks a retrieved message for deletion. It returns false,
// without error, when the modem refuses.
func (m *Modem) DeleteMT(ctx context.Context, name string) (bool, error) {
	_, err := m.exec(ctx, fmt.Sprintf(`%s="%s"`, at.CmdMTDelete, name))
	var de *DeviceError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &de) && !de.Malformed:
		m.logger.Warn("MT delete refused", "name", name, "cause", de.Cause)
		return false, nil
	default:
		return false, fmt.Errorf("delete MT %s: %w", name, err)
	}
}

// encodePayload renders payload for the data field of %MGRT.
func encodePayload(format DataFormat, payload []byte) (string, error) {
	switch format {
	case FormatBase64:
		return base64.StdEncoding.EncodeToString(payload), nil
	case FormatHex:
		return strings.ToUpper(hex.EncodeToString(payload)), nil
	case FormatText:
		var b strings.Builder
		b.WriteByte('"')
		for _, c := range payload {
			if c < 0x20 || c > 0x7E || c == '"' || c == '\\' || c == ',' {
				fmt.Fprintf(&b, `\%02X`, c)
			} else {
				b.WriteByte(c)
			}
		}
		b.WriteByte('"')
		return b.String(), nil
	}
	return "", fmt.Errorf("unsupported data format %d", int(format))
}

// decodePayload is the inverse of encodePayload for the data field of
// %MGFG.
func decodePayload(format DataFormat, data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	switch format {
	case FormatBase64:
		return base64.StdEncoding.DecodeString(data)
	case FormatHex:
		return hex.DecodeString(data)
	case FormatText:
		if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
			return nil, fmt.Errorf("unquoted text payload")
		}
		data = data[1 : len(data)-1]
		out := make([]byte, 0, len(data))
		for i := 0; i < len(data); i++ {
			if data[i] == '\\' && i+2 < len(data) {
				if b, err := hex.DecodeString(data[i+1 : i+3]); err == nil {
					out = append(out, b[0])
					i += 2
					continue
				}
			}
			out = append(out, data[i])
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported data format %d", int(format))
}

// atoiFields splits a comma separated record into exactly want fields and
// parses every field from index first on as an integer. Fields before
// first are returned as zero.
func atoiFields(line string, want, first int) ([]int, bool) {
	f := strings.Split(line, ",")
	if len(f) != want {
		return nil, false
	}
	out := make([]int, want)
	for i := first; i < want; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(f[i]))
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// splitNumber parses the "<number>.<sequence>" field of MT records.
func splitNumber(s string) (int, int, bool) {
	num, seq, _ := strings.Cut(strings.TrimSpace(s), ".")
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, 0, false
	}
	if seq == "" {
		return n, 0, true
	}
	q, err := strconv.Atoi(seq)
	if err != nil {
		return 0, 0, false
	}
	return n, q, true
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}
