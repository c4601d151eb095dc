package sessionheader

import (
	"encoding/binary"
	"slices"
	"time"

	"github.com/lyndonlyu/loupe/internal/binarycodec"
	"github.com/lyndonlyu/loupe/internal/fileheader"
)

// Encode returns the full wire form of the header, ending in its checksum.
//
// The descriptive prefix comes from the cache when it is present; the
// fragment block and the checksum are always written fresh.
func (h *SessionHeader) Encode() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lastRawData == nil {
		h.lastRawData, h.offsets = h.encodePrefixLocked()
	}

	out := make([]byte, 0, len(h.lastRawData)+96)
	out = append(out, h.lastRawData...)
	out = h.appendFragmentLocked(out)
	return binarycodec.AppendChecksum(out)
}

// encodePrefixLocked writes every field up to and including the
// properties, recording where each patchable value lands.
func (h *SessionHeader) encodePrefixLocked() ([]byte, patchOffsets) {
	var off patchOffsets
	major, minor := h.majorVersion, h.minorVersion
	info := &h.info

	e := binarycodec.NewEncoder(512)
	e.Int16(major)
	e.Int16(minor)
	e.UUID(info.ID)
	if fileheader.SupportsComputerID(major, minor) {
		e.UUID(info.ComputerID)
	}
	e.String(info.Product)
	e.String(info.Application)
	if fileheader.SupportsEnvironmentAndPromotion(major, minor) {
		e.String(info.Environment)
		e.String(info.PromotionLevel)
	}
	e.Int32(info.ApplicationType)
	e.String(info.ApplicationDescription)
	e.String(info.ApplicationVersion)
	e.String(info.AgentVersion)
	e.String(info.HostName)
	e.String(info.DNSDomainName)
	e.String(info.UserName)
	e.String(info.UserDomainName)
	e.String(info.Caption)
	e.String(info.StatusName)
	e.String(info.TimeZoneCaption)
	e.Time(info.StartTime)

	off.endTime = e.Offset()
	e.Time(h.endTime)
	off.endTimeLen = e.Offset() - off.endTime
	off.messages = e.Offset()
	e.Int32(h.counts.Messages)
	off.critical = e.Offset()
	e.Int32(h.counts.Critical)
	off.errors = e.Offset()
	e.Int32(h.counts.Errors)
	off.warnings = e.Offset()
	e.Int32(h.counts.Warnings)

	e.Int32(info.OSPlatformCode)
	e.String(info.OSVersion)
	e.String(info.OSServicePack)
	e.String(info.OSCultureName)
	e.Int32(info.OSArchitecture)
	e.Int32(info.OSBootMode)
	e.Int32(info.OSSuiteMask)
	e.Int32(info.OSProductType)
	e.String(info.RuntimeVersion)
	e.Int32(info.RuntimeArchitecture)
	e.String(info.CurrentCultureName)
	e.String(info.CurrentUICultureName)
	e.Int32(info.MemoryMB)
	e.Int32(info.Processors)
	e.Int32(info.ProcessorCores)
	e.Bool(info.UserInteractive)
	e.Bool(info.TerminalServer)
	e.Int32(info.ScreenWidth)
	e.Int32(info.ScreenHeight)
	e.Int32(info.ColorDepth)
	e.String(info.CommandLine)

	keys := make([]string, 0, len(info.Properties))
	for k := range info.Properties {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	e.Int32(int32(len(keys)))
	for _, k := range keys {
		e.String(k)
		e.String(info.Properties[k])
	}

	return e.Bytes(), off
}

func (h *SessionHeader) appendFragmentLocked(dst []byte) []byte {
	if !fileheader.SupportsFragments(h.majorVersion, h.minorVersion) {
		return dst
	}
	dst = binarycodec.AppendBool(dst, h.hasFragment)
	if !h.hasFragment {
		return dst
	}
	f := h.fragment
	dst = binarycodec.AppendUUID(dst, f.FileID)
	dst = binarycodec.AppendInt32(dst, f.Sequence)
	dst = binarycodec.AppendTime(dst, f.StartTime)
	dst = binarycodec.AppendTime(dst, f.EndTime)
	return binarycodec.AppendBool(dst, f.IsLastFile)
}

// patchInt32Locked overwrites a cached counter. Without a cache there is
// nothing to patch; the next Encode rebuilds from the fields.
func (h *SessionHeader) patchInt32Locked(offset int, v int32) {
	if h.lastRawData == nil {
		return
	}
	binary.BigEndian.PutUint32(h.lastRawData[offset:], uint32(v))
}

// patchTimeLocked overwrites the cached end time. The text is fixed width
// for years 0000-9999; anything else changes the length and drops the
// cache instead.
func (h *SessionHeader) patchTimeLocked(t time.Time) {
	if h.lastRawData == nil {
		return
	}
	enc := binarycodec.AppendTime(nil, t)
	if len(enc) != h.offsets.endTimeLen {
		h.lastRawData = nil
		return
	}
	copy(h.lastRawData[h.offsets.endTime:], enc)
}
