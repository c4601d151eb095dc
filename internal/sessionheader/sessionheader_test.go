package sessionheader

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lyndonlyu/loupe/internal/binarycodec"
	"github.com/lyndonlyu/loupe/internal/environment"
	"github.com/lyndonlyu/loupe/internal/fileheader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 5, 17, 9, 30, 15, 123456700, time.UTC)

func sampleInfo() Info {
	return Info{
		ID:                     uuid.MustParse("0d9a5d3e-2f4b-4c7e-9a61-3b2c1d0e9f88"),
		ComputerID:             uuid.MustParse("a1b2c3d4-e5f6-4711-8899-aabbccddeeff"),
		Product:                "Acme",
		Application:            "Widget",
		Environment:            "production",
		PromotionLevel:         "release",
		ApplicationType:        1,
		ApplicationDescription: "Widget service",
		ApplicationVersion:     "4.2.0",
		AgentVersion:           "0.1.0",
		HostName:               "web1",
		DNSDomainName:          "example.com",
		UserName:               "svc",
		UserDomainName:         "CORP",
		Caption:                "Widget 4.2",
		TimeZoneCaption:        "UTC",
		StartTime:              start,
		OSPlatformCode:         environment.PlatformUnix,
		OSVersion:              "Linux 6.1",
		OSCultureName:          "en-US",
		OSArchitecture:         environment.ArchitectureAMD64,
		RuntimeVersion:         "go1.25.3",
		RuntimeArchitecture:    environment.ArchitectureAMD64,
		CurrentCultureName:     "en-US",
		CurrentUICultureName:   "en-US",
		MemoryMB:               16384,
		Processors:             1,
		ProcessorCores:         8,
		UserInteractive:        true,
		ScreenWidth:            1920,
		ScreenHeight:           1080,
		ColorDepth:             32,
		CommandLine:            "widget --serve",
		Properties:             map[string]string{"region": "eu-west", "build": "1187"},
	}
}

func TestRoundTrip(t *testing.T) {
	h := New(sampleInfo())
	h.AddCounts(Counts{Messages: 10, Critical: 1, Errors: 2, Warnings: 3}, start.Add(time.Minute))
	h.SetFragment(Fragment{
		FileID:     uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Sequence:   2,
		StartTime:  start,
		EndTime:    start.Add(time.Minute),
		IsLastFile: true,
	})

	data := h.Encode()
	got, err := Decode(data)
	require.NoError(t, err)

	assert.True(t, got.Valid())
	assert.False(t, got.IsNew())
	want := sampleInfo()
	want.StatusName = "Running"
	assert.Equal(t, want, got.Info())
	assert.Equal(t, Counts{Messages: 10, Critical: 1, Errors: 2, Warnings: 3}, got.Counts())
	assert.True(t, got.EndTime().Equal(start.Add(time.Minute)))

	frag, ok := got.Fragment()
	require.True(t, ok)
	assert.Equal(t, int32(2), frag.Sequence)
	assert.True(t, frag.IsLastFile)
	assert.True(t, frag.EndTime.Equal(start.Add(time.Minute)))

	// A decoded header re-encodes to the exact same bytes.
	assert.Equal(t, data, got.Encode())
}

func TestEncodeIsStableAcrossCalls(t *testing.T) {
	h := New(sampleInfo())
	assert.Equal(t, h.Encode(), h.Encode())
}

func TestPatchedCountMatchesFullEncode(t *testing.T) {
	for _, final := range []int32{0, 1, 5, math.MaxInt32} {
		for _, updates := range []int{1, 2, 10} {
			patched := New(sampleInfo())
			patched.Encode()
			for i := 1; i < updates; i++ {
				patched.SetMessageCount(int32(i))
			}
			patched.SetMessageCount(final)

			fresh := New(sampleInfo())
			fresh.SetMessageCount(final)

			assert.Equal(t, fresh.Encode(), patched.Encode(), "final=%d updates=%d", final, updates)
		}
	}
}

func TestPatchedCountersAndEndTime(t *testing.T) {
	patched := New(sampleInfo())
	patched.Encode()
	end := start.Add(3 * time.Hour)
	patched.SetCriticalCount(4)
	patched.SetErrorCount(5)
	patched.SetWarningCount(6)
	patched.SetEndTime(end)

	fresh := New(sampleInfo())
	fresh.SetCriticalCount(4)
	fresh.SetErrorCount(5)
	fresh.SetWarningCount(6)
	fresh.SetEndTime(end)

	assert.Equal(t, fresh.Encode(), patched.Encode())
}

func TestPatchWritesInPlace(t *testing.T) {
	h := New(sampleInfo())
	h.Encode()
	cached := h.lastRawData
	at := h.offsets.messages

	h.SetMessageCount(0x01020304)

	assert.Same(t, &cached[0], &h.lastRawData[0], "cache must not be rebuilt")
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(h.lastRawData[at:]))
}

func TestEndTimeOutsideFixedWidthDropsCache(t *testing.T) {
	h := New(sampleInfo())
	before := len(h.Encode())
	h.SetEndTime(time.Date(12000, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Nil(t, h.lastRawData)

	// Five-digit years widen the timestamp by one byte.
	assert.Equal(t, before+1, len(h.Encode()))
	assert.NotNil(t, h.lastRawData)
}

func TestUpdateInvalidatesCache(t *testing.T) {
	h := New(sampleInfo())
	h.Encode()
	require.NotNil(t, h.lastRawData)

	h.Update(func(info *Info) { info.Caption = "renamed" })
	assert.Nil(t, h.lastRawData)

	got, err := Decode(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Info().Caption)
}

func TestSetStatus(t *testing.T) {
	h := New(sampleInfo())
	assert.Equal(t, StatusRunning, h.Status())

	h.Encode()
	h.SetStatus(StatusNormal)
	got, err := Decode(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, got.Status())
	assert.Equal(t, "Normal", got.Info().StatusName)
}

func TestFragmentIsNotCached(t *testing.T) {
	h := New(sampleInfo())
	first := h.Encode()
	h.SetFragment(Fragment{Sequence: 7, StartTime: start, EndTime: start})
	second := h.Encode()
	assert.NotEqual(t, first, second)

	got, err := Decode(second)
	require.NoError(t, err)
	frag, ok := got.Fragment()
	require.True(t, ok)
	assert.Equal(t, int32(7), frag.Sequence)

	h.ClearFragment()
	assert.Equal(t, first, h.Encode())
}

func TestChecksumDetectsSingleByteChange(t *testing.T) {
	h := New(sampleInfo())
	h.SetFragment(Fragment{Sequence: 1, StartTime: start, EndTime: start})
	data := h.Encode()

	for i := range data {
		corrupt := append([]byte(nil), data...)
		corrupt[i] ^= 0x5a
		got, err := Decode(corrupt)
		if err != nil {
			continue
		}
		assert.False(t, got.Valid(), "flipping byte %d went unnoticed", i)
	}
}

func TestDecodeTruncated(t *testing.T) {
	data := New(sampleInfo()).Encode()
	for _, n := range []int{0, 3, 4, 40, len(data) - 1} {
		_, err := Decode(data[:n])
		assert.Error(t, err, "length %d", n)
	}
}

func TestDecodeNewerVersionFails(t *testing.T) {
	data := New(sampleInfo()).Encode()
	binary.BigEndian.PutUint16(data, uint16(fileheader.LatestMajorVersion+1))
	_, err := Decode(data)
	assert.ErrorIs(t, err, fileheader.ErrUnsupportedVersion)
}

func TestDecodeRejectsImplausiblePropertyCount(t *testing.T) {
	h := New(sampleInfo())
	h.Update(func(info *Info) { info.Properties = nil })
	data := h.Encode()

	// The property count is the last field of the prefix: here it is 0.
	at := len(h.lastRawData) - 4
	binary.BigEndian.PutUint32(data[at:], uint32(maxProperties+1))
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrTooManyProperties)
}

func TestVersionGatedFields(t *testing.T) {
	restore := fileheader.SetDefaultVersion(1, 0)
	defer restore()

	h := New(sampleInfo())
	h.SetFragment(Fragment{Sequence: 3})
	data := h.Encode()

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Valid())
	major, minor := got.Version()
	assert.Equal(t, int16(1), major)
	assert.Equal(t, int16(0), minor)

	info := got.Info()
	assert.Equal(t, uuid.Nil, info.ComputerID)
	assert.Equal(t, "", info.Environment)
	assert.Equal(t, "", info.PromotionLevel)
	assert.Equal(t, "Acme", info.Product)
	_, ok := got.Fragment()
	assert.False(t, ok)

	restore()
	newer := New(sampleInfo())
	newer.SetFragment(Fragment{Sequence: 3})
	// computer id (16) + environment + promotion + fragment flag and block
	assert.Greater(t, len(newer.Encode()), len(data)+16)
}

func TestComputerIDGate(t *testing.T) {
	restore := fileheader.SetDefaultVersion(2, 0)
	defer restore()

	got, err := Decode(New(sampleInfo()).Encode())
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got.Info().ComputerID)
	assert.Equal(t, "production", got.Info().Environment)
}

func TestFullyQualifiedUserName(t *testing.T) {
	h := New(sampleInfo())
	assert.Equal(t, `CORP\svc`, h.FullyQualifiedUserName())

	h.Update(func(info *Info) { info.UserDomainName = "  " })
	assert.Equal(t, "svc", h.FullyQualifiedUserName())

	h.Update(func(info *Info) { info.UserName = "alice"; info.UserDomainName = "" })
	assert.Equal(t, "alice", h.FullyQualifiedUserName())
}

func TestHashCodeFollowsID(t *testing.T) {
	a := New(sampleInfo())
	b := New(sampleInfo())
	assert.Equal(t, a.HashCode(), b.HashCode())

	b.Update(func(info *Info) { info.ID = uuid.New() })
	assert.NotEqual(t, a.HashCode(), b.HashCode())
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"Running": StatusRunning,
		"Normal":  StatusNormal,
		"Crashed": StatusCrashed,
		"running": StatusRunning,
		"NORMAL":  StatusNormal,
		"cRaShEd": StatusCrashed,
		"":        StatusUnknown,
		"Paused":  StatusUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseStatus(in), in)
	}
	assert.Equal(t, "Unknown", StatusUnknown.String())
}

func TestFromSummary(t *testing.T) {
	s := environment.Collect(environment.Application{Product: "Acme", Name: "Widget"}, "0.1.0")
	h := FromSummary(s)

	assert.True(t, h.IsLive())
	assert.True(t, h.IsNew())
	assert.Equal(t, s.SessionID, h.ID())
	assert.Equal(t, StatusRunning, h.Status())

	got, err := Decode(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h.Info(), got.Info())
}

func TestConcurrentCountersAndEncode(t *testing.T) {
	h := New(sampleInfo())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				h.AddCounts(Counts{Messages: 1, Warnings: 1}, start.Add(time.Duration(i)*time.Second))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, err := Decode(h.Encode())
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	got, err := Decode(h.Encode())
	require.NoError(t, err)
	assert.True(t, got.Valid())
	assert.Equal(t, Counts{Messages: 1000, Warnings: 1000}, got.Counts())
	assert.True(t, got.EndTime().Equal(start.Add(249*time.Second)))
}

func TestEndToEndMessageCountPatching(t *testing.T) {
	info := sampleInfo()
	info.Product = "Acme"
	info.Application = "Widget"
	h := New(info)
	h.SetMessageCount(0)
	h.Encode()

	var data []byte
	for i := 0; i < 10; i++ {
		h.SetMessageCount(5)
		data = h.Encode()
	}

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Valid())
	assert.Equal(t, int32(5), got.MessageCount())
	assert.Equal(t, h.Info(), got.Info())
	assert.Equal(t, Counts{Messages: 5}, got.Counts())
	assert.True(t, got.EndTime().Equal(start))
}

func TestChecksumTrailer(t *testing.T) {
	data := New(sampleInfo()).Encode()
	body := data[:len(data)-binarycodec.ChecksumSize]
	assert.Equal(t, binarycodec.Checksum(body), binary.BigEndian.Uint32(data[len(body):]))
}
