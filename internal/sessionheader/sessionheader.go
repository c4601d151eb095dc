// Package sessionheader implements the variable-length, versioned record
// that follows the file header in every session file.
//
// A header is encoded on every flush of a live session, while its message
// counters and end time change constantly. To keep those flushes cheap the
// encoded form of everything that rarely changes is cached, and counter
// updates overwrite their bytes in the cached buffer directly. Any other
// change drops the cache.
//
// All methods are safe for concurrent use: a background flush and the
// foreground writer routinely touch the same header.
package sessionheader

import (
	"encoding/binary"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyndonlyu/loupe/internal/environment"
	"github.com/lyndonlyu/loupe/internal/fileheader"
)

// Info holds the descriptive fields of a session. Changing any of them
// through Update invalidates the cached encoding.
type Info struct {
	ID                     uuid.UUID
	ComputerID             uuid.UUID // written for protocol 2.1 and later
	Product                string
	Application            string
	Environment            string // written for protocol 2.0 and later
	PromotionLevel         string // written for protocol 2.0 and later
	ApplicationType        int32
	ApplicationDescription string
	ApplicationVersion     string
	AgentVersion           string
	HostName               string
	DNSDomainName          string
	UserName               string
	UserDomainName         string
	Caption                string
	StatusName             string
	TimeZoneCaption        string
	StartTime              time.Time

	OSPlatformCode      int32
	OSVersion           string
	OSServicePack       string
	OSCultureName       string
	OSArchitecture      int32
	OSBootMode          int32
	OSSuiteMask         int32
	OSProductType       int32
	RuntimeVersion      string
	RuntimeArchitecture int32

	CurrentCultureName   string
	CurrentUICultureName string
	MemoryMB             int32
	Processors           int32
	ProcessorCores       int32
	UserInteractive      bool
	TerminalServer       bool
	ScreenWidth          int32
	ScreenHeight         int32
	ColorDepth           int32
	CommandLine          string

	Properties map[string]string
}

// Fragment describes the file a header is written into when a session is
// split across several files.
type Fragment struct {
	FileID     uuid.UUID
	Sequence   int32
	StartTime  time.Time
	EndTime    time.Time
	IsLastFile bool
}

// Counts are the patchable message counters.
type Counts struct {
	Messages int32
	Critical int32
	Errors   int32
	Warnings int32
}

// SessionHeader is one session's metadata. Create it with New or
// FromSummary, or reconstruct it with Decode.
type SessionHeader struct {
	mu sync.Mutex

	majorVersion int16
	minorVersion int16

	info    Info
	endTime time.Time
	counts  Counts

	hasFragment bool
	fragment    Fragment

	valid   bool
	isNew   bool
	isLive  bool
	hasData bool

	qualifiedUser string
	qualifiedSet  bool
	hashCode      int32
	hashSet       bool

	// lastRawData is the cached encoding of everything before the fragment
	// block; offsets locate the patchable fields inside it.
	lastRawData []byte
	offsets     patchOffsets
}

type patchOffsets struct {
	endTime    int
	endTimeLen int
	messages   int
	critical   int
	errors     int
	warnings   int
}

// New returns a header for a brand new session stamped with the default
// protocol version.
func New(info Info) *SessionHeader {
	major, minor := fileheader.DefaultVersion()
	h := &SessionHeader{
		majorVersion: major,
		minorVersion: minor,
		valid:        true,
		isNew:        true,
	}
	h.info = normalizeInfo(info)
	if h.info.StatusName == "" {
		h.info.StatusName = StatusRunning.String()
	}
	h.endTime = h.info.StartTime
	return h
}

// FromSummary builds a live session header from collected host and
// application facts.
func FromSummary(s environment.Summary) *SessionHeader {
	h := New(Info{
		ID:                     s.SessionID,
		ComputerID:             s.ComputerID,
		Product:                s.Product,
		Application:            s.Name,
		Environment:            s.Environment,
		PromotionLevel:         s.Promotion,
		ApplicationType:        s.Type,
		ApplicationDescription: s.Description,
		ApplicationVersion:     s.Version,
		AgentVersion:           s.AgentVersion,
		HostName:               s.HostName,
		DNSDomainName:          s.DNSDomainName,
		UserName:               s.UserName,
		UserDomainName:         s.UserDomainName,
		Caption:                s.Caption,
		StatusName:             StatusRunning.String(),
		TimeZoneCaption:        s.TimeZoneCaption,
		StartTime:              s.StartTime,
		OSPlatformCode:         s.OSPlatformCode,
		OSVersion:              s.OSVersion,
		OSServicePack:          s.OSServicePack,
		OSCultureName:          s.OSCultureName,
		OSArchitecture:         s.OSArchitecture,
		OSBootMode:             s.OSBootMode,
		OSSuiteMask:            s.OSSuiteMask,
		OSProductType:          s.OSProductType,
		RuntimeVersion:         s.RuntimeVersion,
		RuntimeArchitecture:    s.RuntimeArchitecture,
		CurrentCultureName:     s.CurrentCultureName,
		CurrentUICultureName:   s.CurrentUICultureName,
		MemoryMB:               s.MemoryMB,
		Processors:             s.Processors,
		ProcessorCores:         s.ProcessorCores,
		UserInteractive:        s.UserInteractive,
		TerminalServer:         s.TerminalServer,
		ScreenWidth:            s.ScreenWidth,
		ScreenHeight:           s.ScreenHeight,
		ColorDepth:             s.ColorDepth,
		CommandLine:            s.CommandLine,
		Properties:             s.Properties,
	})
	h.isLive = true
	return h
}

// normalizeTime drops the monotonic reading, the zone and any precision
// below the 100 ns the wire format keeps.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(100 * time.Nanosecond)
}

func normalizeInfo(info Info) Info {
	info.StartTime = normalizeTime(info.StartTime)
	info.Properties = maps.Clone(info.Properties)
	if info.Properties == nil {
		info.Properties = map[string]string{}
	}
	return info
}

// Version returns the protocol version the header is encoded with.
func (h *SessionHeader) Version() (major, minor int16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.majorVersion, h.minorVersion
}

// Info returns a copy of the descriptive fields.
func (h *SessionHeader) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := h.info
	info.Properties = maps.Clone(h.info.Properties)
	return info
}

// Update applies fn to the descriptive fields and drops the cached
// encoding.
func (h *SessionHeader) Update(fn func(*Info)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := h.info
	info.Properties = maps.Clone(h.info.Properties)
	fn(&info)
	h.info = normalizeInfo(info)
	h.invalidateLocked()
}

func (h *SessionHeader) invalidateLocked() {
	h.lastRawData = nil
	h.qualifiedSet = false
	h.hashSet = false
}

func (h *SessionHeader) ID() uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info.ID
}

// Status parses the stored status name.
func (h *SessionHeader) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ParseStatus(h.info.StatusName)
}

// SetStatus records a new status. The status name is not patchable, so
// this drops the cached encoding.
func (h *SessionHeader) SetStatus(s Status) {
	h.Update(func(info *Info) { info.StatusName = s.String() })
}

func (h *SessionHeader) EndTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endTime
}

func (h *SessionHeader) Counts() Counts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts
}

func (h *SessionHeader) MessageCount() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts.Messages
}

// SetEndTime records the session end time, patching the cached encoding
// in place when possible.
func (h *SessionHeader) SetEndTime(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endTime = normalizeTime(t)
	h.patchTimeLocked(h.endTime)
}

func (h *SessionHeader) SetMessageCount(n int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.Messages = n
	h.patchInt32Locked(h.offsets.messages, n)
}

func (h *SessionHeader) SetCriticalCount(n int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.Critical = n
	h.patchInt32Locked(h.offsets.critical, n)
}

func (h *SessionHeader) SetErrorCount(n int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.Errors = n
	h.patchInt32Locked(h.offsets.errors, n)
}

func (h *SessionHeader) SetWarningCount(n int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.Warnings = n
	h.patchInt32Locked(h.offsets.warnings, n)
}

// AddCounts adds delta to every counter and moves the end time forward to
// at, as one atomic update.
func (h *SessionHeader) AddCounts(delta Counts, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.Messages += delta.Messages
	h.counts.Critical += delta.Critical
	h.counts.Errors += delta.Errors
	h.counts.Warnings += delta.Warnings
	h.patchInt32Locked(h.offsets.messages, h.counts.Messages)
	h.patchInt32Locked(h.offsets.critical, h.counts.Critical)
	h.patchInt32Locked(h.offsets.errors, h.counts.Errors)
	h.patchInt32Locked(h.offsets.warnings, h.counts.Warnings)

	if at = normalizeTime(at); at.After(h.endTime) {
		h.endTime = at
		h.patchTimeLocked(at)
	}
}

// Fragment returns the per-file block and whether one is set.
func (h *SessionHeader) Fragment() (Fragment, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fragment, h.hasFragment
}

// SetFragment sets the per-file block. The block is never cached, so this
// does not touch the cached encoding.
func (h *SessionHeader) SetFragment(f Fragment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f.StartTime = normalizeTime(f.StartTime)
	f.EndTime = normalizeTime(f.EndTime)
	h.fragment = f
	h.hasFragment = true
}

func (h *SessionHeader) ClearFragment() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fragment = Fragment{}
	h.hasFragment = false
}

// Valid reports whether the checksum matched when the header was decoded.
// Headers built in memory are always valid.
func (h *SessionHeader) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.valid
}

func (h *SessionHeader) IsNew() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isNew
}

func (h *SessionHeader) IsLive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isLive
}

func (h *SessionHeader) SetLive(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isLive = live
}

func (h *SessionHeader) HasData() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasData
}

func (h *SessionHeader) SetHasData(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hasData = v
}

// FullyQualifiedUserName returns domain\user, or just the user name when no
// domain is recorded.
func (h *SessionHeader) FullyQualifiedUserName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.qualifiedSet {
		if strings.TrimSpace(h.info.UserDomainName) == "" {
			h.qualifiedUser = h.info.UserName
		} else {
			h.qualifiedUser = h.info.UserDomainName + `\` + h.info.UserName
		}
		h.qualifiedSet = true
	}
	return h.qualifiedUser
}

// HashCode returns a cached 32-bit hash of the session id.
func (h *SessionHeader) HashCode() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hashSet {
		id := h.info.ID
		var v uint32
		for i := 0; i < len(id); i += 4 {
			v ^= binary.BigEndian.Uint32(id[i:])
		}
		h.hashCode = int32(v)
		h.hashSet = true
	}
	return h.hashCode
}
