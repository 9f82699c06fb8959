package grindlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	schemaVersion = 1
	filePrefix    = "session_"
	fileSuffix    = ".bin"
)

var magic = [4]byte{'G', 'S', 'E', 'S'}

var (
	ErrNotFound = errors.New("session not found")
	ErrCorrupt  = errors.New("session file corrupt")
)

type fileHeader struct {
	Magic        [4]byte
	Version      uint16
	_            uint16
	ID           uint32
	Timestamp    int64
	Size         uint32
	Checksum     uint32
	Events       uint16
	_            uint16
	Measurements uint32
}

type diskSession struct {
	UUID          [16]byte
	Mode          uint8
	_             [3]byte
	ProfileID     int32
	TargetWeight  float32
	Tolerance     float32
	Undershoot    float32
	CoastRatio    float32
	FlowThreshold float32
	StartWeight   float32
	FinalWeight   float32
	Error         float32
	TargetTime    int64
	Latency       int64
	TotalTime     int64
	MotorOnTime   int64
	TimeError     int64
	PulseCount    uint16
	_             uint16
}

type diskEvent struct {
	Phase         uint8
	_             uint8
	Attempt       uint16
	Loops         uint32
	Start         int64
	Duration      int64
	Latency       int64
	PulseDuration int64
	Settling      int64
	StartWeight   float32
	EndWeight     float32
	StopTarget    float32
	FlowRate      float32
}

type diskMeasurement struct {
	Time       int64
	Weight     float32
	Delta      float32
	FlowRate   float32
	StopTarget float32
	MotorOn    uint8
	Phase      uint8
	_          uint16
}

// Info summarises a stored session.
type Info struct {
	ID           uint32    `json:"id"`
	UUID         string    `json:"uuid"`
	Timestamp    time.Time `json:"timestamp"`
	Mode         string    `json:"mode"`
	TargetWeight float32   `json:"target_weight"`
	FinalWeight  float32   `json:"final_weight"`
	PulseCount   uint16    `json:"pulse_count"`
	Result       string    `json:"result"`
	Measurements int       `json:"measurements"`
}

// Store keeps one binary file per session in a directory and retains at
// most a fixed number of sessions.
type Store struct {
	mu  sync.Mutex
	dir string
	max int
}

// OpenStore creates dir if needed.
func OpenStore(dir string, maxSessions int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return &Store{dir: dir, max: max(maxSessions, 1)}, nil
}

func (st *Store) path(id uint32) string {
	return filepath.Join(st.dir, fmt.Sprintf("%s%d%s", filePrefix, id, fileSuffix))
}

// Save writes s and removes the oldest sessions beyond the retention limit.
func (st *Store) Save(s *Session) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := writeAtomic(st.path(s.ID), data); err != nil {
		return err
	}
	return st.rotateLocked()
}

func (st *Store) rotateLocked() error {
	ids, err := st.idsLocked()
	if err != nil {
		return err
	}
	for len(ids) > st.max {
		if err := os.Remove(st.path(ids[0])); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to rotate session %d: %w", ids[0], err)
		}
		log.Printf("[grindlog] rotated out session %d", ids[0])
		ids = ids[1:]
	}
	return nil
}

// idsLocked returns stored session ids in ascending order.
func (st *Store) idsLocked() ([]uint32, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session dir: %w", err)
	}
	var ids []uint32
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// List summarises stored sessions, oldest first. Unreadable files are
// logged and skipped.
func (st *Store) List() ([]Info, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ids, err := st.idsLocked()
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		s, err := st.loadLocked(id)
		if err != nil {
			log.Printf("[grindlog] skipping session %d: %v", id, err)
			continue
		}
		infos = append(infos, s.Info())
	}
	return infos, nil
}

// Load reads the session with the given id.
func (st *Store) Load(id uint32) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loadLocked(id)
}

func (st *Store) loadLocked(id uint32) (*Session, error) {
	data, err := os.ReadFile(st.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %d: %w", id, err)
	}
	return Decode(data)
}

// Clear removes every stored session.
func (st *Store) Clear() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ids, err := st.idsLocked()
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := os.Remove(st.path(id)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Info returns the summary of s.
func (s *Session) Info() Info {
	return Info{
		ID:           s.ID,
		UUID:         s.UUID.String(),
		Timestamp:    s.Timestamp,
		Mode:         s.Mode.String(),
		TargetWeight: s.TargetWeight,
		FinalWeight:  s.FinalWeight,
		PulseCount:   s.PulseCount,
		Result:       s.Result,
		Measurements: len(s.Measurements),
	}
}

// Encode serialises s in the little-endian session file format.
func Encode(s *Session) ([]byte, error) {
	var payload bytes.Buffer

	ds := diskSession{
		UUID:          s.UUID,
		Mode:          uint8(s.Mode),
		ProfileID:     s.ProfileID,
		TargetWeight:  s.TargetWeight,
		Tolerance:     s.Tolerance,
		Undershoot:    s.Undershoot,
		CoastRatio:    s.CoastRatio,
		FlowThreshold: s.FlowThreshold,
		StartWeight:   s.StartWeight,
		FinalWeight:   s.FinalWeight,
		Error:         s.Error,
		TargetTime:    int64(s.TargetTime),
		Latency:       int64(s.Latency),
		TotalTime:     int64(s.TotalTime),
		MotorOnTime:   int64(s.MotorOnTime),
		TimeError:     int64(s.TimeError),
		PulseCount:    s.PulseCount,
	}
	if err := binary.Write(&payload, binary.LittleEndian, &ds); err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	for _, str := range []string{s.Termination, s.Result} {
		if err := writeString(&payload, str); err != nil {
			return nil, err
		}
	}

	events := make([]diskEvent, len(s.Events))
	for i, e := range s.Events {
		events[i] = diskEvent{
			Phase:         e.Phase,
			Attempt:       e.Attempt,
			Loops:         e.Loops,
			Start:         int64(e.Start),
			Duration:      int64(e.Duration),
			Latency:       int64(e.Latency),
			PulseDuration: int64(e.PulseDuration),
			Settling:      int64(e.Settling),
			StartWeight:   e.StartWeight,
			EndWeight:     e.EndWeight,
			StopTarget:    e.StopTarget,
			FlowRate:      e.FlowRate,
		}
	}
	if err := binary.Write(&payload, binary.LittleEndian, events); err != nil {
		return nil, fmt.Errorf("failed to encode events: %w", err)
	}

	ms := make([]diskMeasurement, len(s.Measurements))
	for i, m := range s.Measurements {
		ms[i] = diskMeasurement{
			Time:       int64(m.Time),
			Weight:     m.Weight,
			Delta:      m.Delta,
			FlowRate:   m.FlowRate,
			StopTarget: m.StopTarget,
			Phase:      m.Phase,
		}
		if m.MotorOn {
			ms[i].MotorOn = 1
		}
	}
	if err := binary.Write(&payload, binary.LittleEndian, ms); err != nil {
		return nil, fmt.Errorf("failed to encode measurements: %w", err)
	}

	hdr := fileHeader{
		Magic:        magic,
		Version:      schemaVersion,
		ID:           s.ID,
		Timestamp:    s.Timestamp.UnixNano(),
		Size:         uint32(payload.Len()),
		Checksum:     crc32.ChecksumIEEE(payload.Bytes()),
		Events:       uint16(len(events)),
		Measurements: uint32(len(ms)),
	}

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

// Decode parses a session file, verifying its checksum.
func Decode(data []byte) (*Session, error) {
	r := bytes.NewReader(data)

	var hdr fileHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if hdr.Magic != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if hdr.Version != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, hdr.Version)
	}
	payload := data[len(data)-r.Len():]
	if uint32(len(payload)) != hdr.Size {
		return nil, fmt.Errorf("%w: size %d, header says %d", ErrCorrupt, len(payload), hdr.Size)
	}
	if crc32.ChecksumIEEE(payload) != hdr.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var ds diskSession
	if err := binary.Read(r, binary.LittleEndian, &ds); err != nil {
		return nil, fmt.Errorf("%w: session: %v", ErrCorrupt, err)
	}
	termination, err := readString(r)
	if err != nil {
		return nil, err
	}
	result, err := readString(r)
	if err != nil {
		return nil, err
	}

	events := make([]diskEvent, hdr.Events)
	if err := binary.Read(r, binary.LittleEndian, events); err != nil {
		return nil, fmt.Errorf("%w: events: %v", ErrCorrupt, err)
	}
	ms := make([]diskMeasurement, hdr.Measurements)
	if err := binary.Read(r, binary.LittleEndian, ms); err != nil {
		return nil, fmt.Errorf("%w: measurements: %v", ErrCorrupt, err)
	}

	s := &Session{
		ID:            hdr.ID,
		UUID:          ds.UUID,
		Timestamp:     time.Unix(0, hdr.Timestamp),
		Mode:          Mode(ds.Mode),
		ProfileID:     ds.ProfileID,
		TargetWeight:  ds.TargetWeight,
		TargetTime:    time.Duration(ds.TargetTime),
		Tolerance:     ds.Tolerance,
		Undershoot:    ds.Undershoot,
		CoastRatio:    ds.CoastRatio,
		FlowThreshold: ds.FlowThreshold,
		Latency:       time.Duration(ds.Latency),
		StartWeight:   ds.StartWeight,
		FinalWeight:   ds.FinalWeight,
		Error:         ds.Error,
		TotalTime:     time.Duration(ds.TotalTime),
		MotorOnTime:   time.Duration(ds.MotorOnTime),
		TimeError:     time.Duration(ds.TimeError),
		PulseCount:    ds.PulseCount,
		Termination:   termination,
		Result:        result,
		Events:        make([]PhaseEvent, len(events)),
		Measurements:  make([]Measurement, len(ms)),
	}
	for i, e := range events {
		s.Events[i] = PhaseEvent{
			Phase:         e.Phase,
			Start:         time.Duration(e.Start),
			Duration:      time.Duration(e.Duration),
			StartWeight:   e.StartWeight,
			EndWeight:     e.EndWeight,
			StopTarget:    e.StopTarget,
			FlowRate:      e.FlowRate,
			Latency:       time.Duration(e.Latency),
			PulseDuration: time.Duration(e.PulseDuration),
			Attempt:       e.Attempt,
			Loops:         e.Loops,
			Settling:      time.Duration(e.Settling),
		}
	}
	for i, m := range ms {
		s.Measurements[i] = Measurement{
			Time:       time.Duration(m.Time),
			Weight:     m.Weight,
			Delta:      m.Delta,
			FlowRate:   m.FlowRate,
			StopTarget: m.StopTarget,
			MotorOn:    m.MotorOn != 0,
			Phase:      m.Phase,
		}
	}
	return s, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return fmt.Errorf("failed to encode string: %w", err)
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("%w: string: %v", ErrCorrupt, err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: string: %v", ErrCorrupt, err)
	}
	return string(buf), nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}
