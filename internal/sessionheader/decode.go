package sessionheader

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/lyndonlyu/loupe/internal/binarycodec"
	"github.com/lyndonlyu/loupe/internal/fileheader"
)

// maxProperties bounds the property count read from disk.
const maxProperties = 1 << 16

// ErrTooManyProperties is returned when a stored property count is not
// plausible.
var ErrTooManyProperties = errors.New("sessionheader: property count out of range")

// Decode reconstructs a header from data, which must start at the first
// byte of the header. Bytes after the checksum are ignored.
//
// Truncated input and protocol versions newer than this package fail with
// an error. A checksum mismatch does not: the header is returned with
// Valid() == false and the caller decides whether to trust it.
func Decode(data []byte) (*SessionHeader, error) {
	if len(data) < binarycodec.ChecksumSize {
		return nil, fmt.Errorf("sessionheader: %w", io.ErrUnexpectedEOF)
	}

	d := binarycodec.NewDecoder(bytes.NewReader(data))
	h := &SessionHeader{}
	major := d.Int16("major_version")
	minor := d.Int16("minor_version")
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("sessionheader: %w", err)
	}
	if major > fileheader.LatestMajorVersion {
		return nil, fmt.Errorf("sessionheader: %w: %d.%d", fileheader.ErrUnsupportedVersion, major, minor)
	}
	h.majorVersion, h.minorVersion = major, minor

	info := &h.info
	info.ID = d.UUID("session_id")
	if fileheader.SupportsComputerID(major, minor) {
		info.ComputerID = d.UUID("computer_id")
	}
	info.Product = d.String("product")
	info.Application = d.String("application")
	if fileheader.SupportsEnvironmentAndPromotion(major, minor) {
		info.Environment = d.String("environment")
		info.PromotionLevel = d.String("promotion_level")
	}
	info.ApplicationType = d.Int32("application_type")
	info.ApplicationDescription = d.String("application_description")
	info.ApplicationVersion = d.String("application_version")
	info.AgentVersion = d.String("agent_version")
	info.HostName = d.String("host_name")
	info.DNSDomainName = d.String("dns_domain_name")
	info.UserName = d.String("user_name")
	info.UserDomainName = d.String("user_domain_name")
	info.Caption = d.String("caption")
	info.StatusName = d.String("status")
	info.TimeZoneCaption = d.String("time_zone_caption")
	info.StartTime = d.Time("start_time")

	var off patchOffsets
	off.endTime = int(d.Offset())
	h.endTime = d.Time("end_time")
	off.endTimeLen = int(d.Offset()) - off.endTime
	off.messages = int(d.Offset())
	h.counts.Messages = d.Int32("message_count")
	off.critical = int(d.Offset())
	h.counts.Critical = d.Int32("critical_count")
	off.errors = int(d.Offset())
	h.counts.Errors = d.Int32("error_count")
	off.warnings = int(d.Offset())
	h.counts.Warnings = d.Int32("warning_count")

	info.OSPlatformCode = d.Int32("os_platform_code")
	info.OSVersion = d.String("os_version")
	info.OSServicePack = d.String("os_service_pack")
	info.OSCultureName = d.String("os_culture_name")
	info.OSArchitecture = d.Int32("os_architecture")
	info.OSBootMode = d.Int32("os_boot_mode")
	info.OSSuiteMask = d.Int32("os_suite_mask")
	info.OSProductType = d.Int32("os_product_type")
	info.RuntimeVersion = d.String("runtime_version")
	info.RuntimeArchitecture = d.Int32("runtime_architecture")
	info.CurrentCultureName = d.String("current_culture_name")
	info.CurrentUICultureName = d.String("current_ui_culture_name")
	info.MemoryMB = d.Int32("memory_mb")
	info.Processors = d.Int32("processors")
	info.ProcessorCores = d.Int32("processor_cores")
	info.UserInteractive = d.Bool("user_interactive")
	info.TerminalServer = d.Bool("terminal_server")
	info.ScreenWidth = d.Int32("screen_width")
	info.ScreenHeight = d.Int32("screen_height")
	info.ColorDepth = d.Int32("color_depth")
	info.CommandLine = d.String("command_line")

	count := d.Int32("property_count")
	if d.Err() == nil && (count < 0 || count > maxProperties) {
		return nil, fmt.Errorf("%w: %d", ErrTooManyProperties, count)
	}
	info.Properties = make(map[string]string)
	for i := int32(0); i < count && d.Err() == nil; i++ {
		k := d.String("property_name")
		info.Properties[k] = d.String("property_value")
	}
	prefixEnd := int(d.Offset())

	if fileheader.SupportsFragments(major, minor) {
		h.hasFragment = d.Bool("has_file_info")
		if h.hasFragment {
			h.fragment = Fragment{
				FileID:     d.UUID("file_id"),
				Sequence:   d.Int32("file_sequence"),
				StartTime:  d.Time("file_start_time"),
				EndTime:    d.Time("file_end_time"),
				IsLastFile: d.Bool("is_last_file"),
			}
		}
	}
	bodyEnd := int(d.Offset())
	stored := d.Uint32("checksum")
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("sessionheader: %w", err)
	}

	h.valid = stored == binarycodec.Checksum(data[:bodyEnd])
	h.lastRawData = bytes.Clone(data[:prefixEnd])
	h.offsets = off
	return h, nil
}

// EncodedLength returns the number of bytes Encode currently produces.
func (h *SessionHeader) EncodedLength() int {
	return len(h.Encode())
}
