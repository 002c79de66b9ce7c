package modem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"i4.energy/across/idpgw/at"
)

// S-registers used by the device operations.
const (
	RegLastError         = 80
	RegNotifyControl     = 88
	RegNotifyStatus      = 89
	RegPowerMode         = 50
	RegWakeupPeriod      = 51
	RegTransmitterStatus = 54
)

// RegisterGet reads S-register n.
func (m *Modem) RegisterGet(ctx context.Context, n int) (int, error) {
	cmd := fmt.Sprintf("ATS%d?", n)
	resp, err := m.exec(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if len(resp.Lines) == 0 {
		return 0, malformed(cmd)
	}
	v, err := strconv.Atoi(strings.TrimSpace(resp.Lines[0]))
	if err != nil {
		return 0, malformed(cmd, resp.Lines...)
	}
	return v, nil
}

// RegisterSet writes v to S-register n.
func (m *Modem) RegisterSet(ctx context.Context, n, v int) error {
	_, err := m.exec(ctx, fmt.Sprintf("ATS%d=%d", n, v))
	return err
}

// identityValue returns the cached answer to cmd, querying the modem on
// first use. The first line of the response is used, with prefix removed.
func (m *Modem) identityValue(ctx context.Context, cmd, prefix string) (string, error) {
	m.mu.Lock()
	v, ok := m.identity[cmd]
	m.mu.Unlock()
	if ok {
		return v, nil
	}

	resp, err := m.exec(ctx, cmd)
	if err != nil {
		return "", err
	}
	if len(resp.Lines) == 0 {
		return "", malformed(cmd)
	}
	v = strings.TrimSpace(strings.TrimPrefix(resp.Lines[0], prefix))

	m.mu.Lock()
	m.identity[cmd] = v
	m.mu.Unlock()
	return v, nil
}

// MobileID returns the modem serial number (+GSN).
func (m *Modem) MobileID(ctx context.Context) (string, error) {
	return m.identityValue(ctx, at.CmdMobileID, "+GSN:")
}

// Versions are the software and hardware revisions reported by +GMR.
type Versions struct {
	Firmware string `json:"firmware"`
	Hardware string `json:"hardware"`
	AT       string `json:"at"`
}

func (m *Modem) Versions(ctx context.Context) (Versions, error) {
	raw, err := m.identityValue(ctx, at.CmdVersions, "+GMR:")
	if err != nil {
		return Versions{}, err
	}
	f := strings.Split(raw, ",")
	if len(f) != 3 {
		return Versions{}, malformed(at.CmdVersions, raw)
	}
	return Versions{
		Firmware: strings.TrimSpace(f[0]),
		Hardware: strings.TrimSpace(f[1]),
		AT:       strings.TrimSpace(f[2]),
	}, nil
}

func (m *Modem) Manufacturer(ctx context.Context) (string, error) {
	return m.identityValue(ctx, at.CmdManufacturer, "")
}

func (m *Modem) Model(ctx context.Context) (string, error) {
	return m.identityValue(ctx, at.CmdModel, "")
}

// CRCEnable switches the CRC mode of the link. The engine adopts the new
// mode once the modem acknowledges it.
func (m *Modem) CRCEnable(ctx context.Context, enable bool) error {
	flag := 0
	if enable {
		flag = 1
	}
	if _, err := m.exec(ctx, fmt.Sprintf("%s%d", at.CmdCrc, flag)); err != nil {
		return fmt.Errorf("set CRC %d: %w", flag, err)
	}
	return nil
}

// PowerMode is the S50 power mode setting.
type PowerMode int

const (
	PowerMobilePowered PowerMode = iota
	PowerFixedPowered
	PowerMobileBattery
	PowerFixedBattery
	PowerMobileMinimal
	PowerMobileParked
)

var powerModeNames = [...]string{
	"MOBILE_POWERED", "FIXED_POWERED", "MOBILE_BATTERY",
	"FIXED_BATTERY", "MOBILE_MINIMAL", "MOBILE_PARKED",
}

func (p PowerMode) String() string {
	if p >= 0 && int(p) < len(powerModeNames) {
		return powerModeNames[p]
	}
	return fmt.Sprintf("POWER_MODE(%d)", int(p))
}

func (m *Modem) PowerMode(ctx context.Context) (PowerMode, error) {
	v, err := m.RegisterGet(ctx, RegPowerMode)
	return PowerMode(v), err
}

func (m *Modem) SetPowerMode(ctx context.Context, p PowerMode) error {
	if p < 0 || int(p) >= len(powerModeNames) {
		return fmt.Errorf("%w: invalid power mode %d", ErrRejected, int(p))
	}
	return m.RegisterSet(ctx, RegPowerMode, int(p))
}

// WakeupPeriod is the S51 low power wakeup interval setting.
type WakeupPeriod int

var wakeupPeriods = [...]time.Duration{
	5 * time.Second,
	30 * time.Second,
	time.Minute,
	3 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	20 * time.Minute,
}

// Duration returns the interval the setting selects, or 0 if unknown.
func (w WakeupPeriod) Duration() time.Duration {
	if w >= 0 && int(w) < len(wakeupPeriods) {
		return wakeupPeriods[w]
	}
	return 0
}

func (w WakeupPeriod) String() string {
	if d := w.Duration(); d > 0 {
		return d.String()
	}
	return fmt.Sprintf("WAKEUP(%d)", int(w))
}

func (m *Modem) WakeupPeriod(ctx context.Context) (WakeupPeriod, error) {
	v, err := m.RegisterGet(ctx, RegWakeupPeriod)
	return WakeupPeriod(v), err
}

func (m *Modem) SetWakeupPeriod(ctx context.Context, w WakeupPeriod) error {
	if w.Duration() == 0 {
		return fmt.Errorf("%w: invalid wakeup period %d", ErrRejected, int(w))
	}
	return m.RegisterSet(ctx, RegWakeupPeriod, int(w))
}

// TransmitterStatus is the S54 transmitter state.
type TransmitterStatus int

const (
	TransmitterRxOnly    TransmitterStatus = 4
	TransmitterOK        TransmitterStatus = 5
	TransmitterSuspended TransmitterStatus = 6
	TransmitterMuted     TransmitterStatus = 7
	TransmitterBlocked   TransmitterStatus = 8
)

func (t TransmitterStatus) String() string {
	switch t {
	case TransmitterRxOnly:
		return "RX_ONLY_NOT_REGISTERED"
	case TransmitterOK:
		return "OK"
	case TransmitterSuspended:
		return "SUSPENDED"
	case TransmitterMuted:
		return "MUTED"
	case TransmitterBlocked:
		return "BLOCKED"
	}
	return fmt.Sprintf("TRANSMITTER(%d)", int(t))
}

func (m *Modem) TransmitterStatus(ctx context.Context) (TransmitterStatus, error) {
	v, err := m.RegisterGet(ctx, RegTransmitterStatus)
	return TransmitterStatus(v), err
}

// ControlState is the satellite acquisition state from trace class 3.1.
type ControlState int

const ControlActive ControlState = 10

var controlStateNames = [...]string{
	"STOPPED", "GNSS_WAIT", "SEARCH_START", "BEAM_SEARCH", "BEAM_FOUND",
	"BEAM_ACQUIRED", "BEAM_SWITCH", "REGISTERING", "RECEIVE_ONLY",
	"BB_DOWNLOAD", "ACTIVE", "BLOCKED", "CONFIRM_PREVIOUS_BEAM",
	"CONFIRM_REQUESTED_BEAM", "CONNECT_CONFIRMED_BEAM",
}

func (c ControlState) String() string {
	if c >= 0 && int(c) < len(controlStateNames) {
		return controlStateNames[c]
	}
	return fmt.Sprintf("CONTROL_STATE(%d)", int(c))
}

// BeamSearchState is the beam search progress from trace class 3.1.
type BeamSearchState int

var beamSearchNames = [...]string{
	"IDLE", "SEARCH_ANY_TRAFFIC", "SEARCH_LAST_TRAFFIC", "RESERVED",
	"SEARCH_NEW_TRAFFIC", "SEARCH_BULLETIN_BOARD", "DELAY_TRAFFIC_SEARCH",
}

func (b BeamSearchState) String() string {
	if b >= 0 && int(b) < len(beamSearchNames) {
		return beamSearchNames[b]
	}
	return fmt.Sprintf("BEAMSEARCH(%d)", int(b))
}

// SatelliteStatus summarises satellite acquisition.
type SatelliteStatus struct {
	SNR          float64         `json:"snr"`
	ControlState ControlState    `json:"control_state"`
	BeamSearch   BeamSearchState `json:"beamsearch"`
	// BeamID is 0 until a satellite beam has been acquired.
	BeamID  int       `json:"beam_id"`
	Updated time.Time `json:"updated"`
}

// Registered reports whether the modem is active on the network.
func (s SatelliteStatus) Registered() bool {
	return s.ControlState == ControlActive
}

type statusCache struct {
	mu    sync.Mutex
	at    time.Time
	value *SatelliteStatus
}

// SatelliteStatus queries the acquisition trace events. Results are reused
// for the configured status holdoff.
func (m *Modem) SatelliteStatus(ctx context.Context) (SatelliteStatus, error) {
	m.status.mu.Lock()
	defer m.status.mu.Unlock()
	if m.status.value != nil && time.Since(m.status.at) < m.config.statusHoldoff {
		return *m.status.value, nil
	}

	resp, err := m.exec(ctx, at.CmdSatelliteCtrl)
	var de *DeviceError
	switch {
	case err == nil:
	case errors.As(err, &de) && !de.Malformed && resp != nil && len(resp.Lines) >= 3:
		// S102? fails until a beam is acquired; the first three values stand
		m.logger.Debug("Beam ID unavailable", "cause", de.Cause)
	default:
		return SatelliteStatus{}, fmt.Errorf("satellite status: %w", err)
	}
	st, err := parseSatelliteStatus(resp.Lines)
	if err != nil {
		return SatelliteStatus{}, err
	}
	st.Updated = time.Now()
	m.status.value, m.status.at = &st, st.Updated
	return st, nil
}

func parseSatelliteStatus(lines []string) (SatelliteStatus, error) {
	if len(lines) < 3 {
		return SatelliteStatus{}, malformed(at.CmdSatelliteCtrl, lines...)
	}
	var n [3]int
	for i := range n {
		v, err := strconv.Atoi(strings.TrimSpace(lines[i]))
		if err != nil {
			return SatelliteStatus{}, malformed(at.CmdSatelliteCtrl, lines...)
		}
		n[i] = v
	}
	st := SatelliteStatus{
		SNR:          float64(n[0]) / 100,
		ControlState: ControlState(n[1]),
		BeamSearch:   BeamSearchState(n[2]),
	}
	// S102 is not readable before a beam is acquired
	if len(lines) > 3 {
		if v, err := strconv.Atoi(strings.TrimSpace(lines[3])); err == nil {
			st.BeamID = v
		}
	}
	return st, nil
}

// UTC returns the modem clock in ISO 8601, e.g. 2024-05-01T12:00:00Z.
func (m *Modem) UTC(ctx context.Context) (string, error) {
	resp, err := m.exec(ctx, at.CmdUTC)
	if err != nil {
		return "", fmt.Errorf("get UTC: %w", err)
	}
	v := resp.First(at.RespUTC)
	if v == "" {
		return "", malformed(at.CmdUTC, resp.Lines...)
	}
	return strings.Replace(v, " ", "T", 1) + "Z", nil
}

// Shutdown prepares the modem for power removal.
func (m *Modem) Shutdown(ctx context.Context) error {
	if _, err := m.exec(ctx, at.CmdShutdown); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// GNSS extra time allowed on top of the requested fix wait.
const gnssBuffer = 5 * time.Second

// GNSS requests a fix no older than stale and waits up to wait for it. The
// raw RMC, GGA, GSA and GSV sentences are returned.
func (m *Modem) GNSS(ctx context.Context, stale, wait time.Duration) ([]string, error) {
	s, w := int(stale/time.Second), int(wait/time.Second)
	if s < 1 || s > 600 || w < 1 || w > 600 {
		return nil, fmt.Errorf("%w: stale and wait must be within 1..600 s", ErrRejected)
	}
	cmd := fmt.Sprintf(`%s=%d,%d,"RMC","GGA","GSA","GSV"`, at.CmdGNSS, s, w)
	resp, err := m.execTimeout(ctx, cmd, wait+gnssBuffer)
	if err != nil {
		return nil, fmt.Errorf("GNSS: %w", err)
	}
	var out []string
	for _, line := range resp.Lines {
		if nmea := strings.TrimSpace(strings.TrimPrefix(line, at.RespGNSS)); nmea != "" {
			out = append(out, nmea)
		}
	}
	return out, nil
}

// RestoreFactory restores the factory configuration (&F).
func (m *Modem) RestoreFactory(ctx context.Context) error {
	if _, err := m.exec(ctx, at.CmdFactory); err != nil {
		return fmt.Errorf("restore factory: %w", err)
	}
	// &F also clears %CRC; relearn the mode from the next response
	m.engine.crc.Store(int32(CrcUnknown))
	return nil
}

// SaveConfig stores the active configuration in non-volatile memory (&W).
func (m *Modem) SaveConfig(ctx context.Context) error {
	if _, err := m.exec(ctx, at.CmdSave); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
