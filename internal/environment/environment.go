// Package environment collects the live process and host facts that seed a
// session header when a session starts.
package environment

import (
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

// Platform codes recorded in session headers.
const (
	PlatformWin32NT int32 = 2
	PlatformUnix    int32 = 4
	PlatformMacOSX  int32 = 6
)

// Processor architecture codes recorded in session headers.
const (
	ArchitectureX86     int32 = 0
	ArchitectureARM     int32 = 5
	ArchitectureAMD64   int32 = 9
	ArchitectureARM64   int32 = 12
	ArchitectureUnknown int32 = 0xFFFF
)

// computerNamespace scopes computer ids derived from host identity.
var computerNamespace = uuid.MustParse("6f1c9a52-6a0e-4d6b-9f43-0b6c2f1d8e77")

// Application describes the instrumented program. It comes from
// configuration, not from the host.
type Application struct {
	Product     string
	Name        string
	Version     string
	Description string
	Type        int32
	Environment string
	Promotion   string
	Properties  map[string]string
}

// Summary is the full set of values a new session header starts from.
type Summary struct {
	Application

	SessionID            uuid.UUID
	ComputerID           uuid.UUID
	AgentVersion         string
	Caption              string
	StartTime            time.Time
	TimeZoneCaption      string
	HostName             string
	DNSDomainName        string
	UserName             string
	UserDomainName       string
	CommandLine          string
	OSPlatformCode       int32
	OSVersion            string
	OSServicePack        string
	OSCultureName        string
	OSArchitecture       int32
	OSBootMode           int32
	OSSuiteMask          int32
	OSProductType        int32
	RuntimeVersion       string
	RuntimeArchitecture  int32
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
}

// Collect gathers host facts for app. Probes that fail leave their field
// empty rather than failing the whole collection.
func Collect(app Application, agentVersion string) Summary {
	now := time.Now()
	zone, _ := now.Zone()

	host, _ := os.Hostname()
	shortHost, dnsDomain := splitHostName(host)
	userName, userDomain := currentUser()
	culture := cultureName()

	s := Summary{
		Application:          app,
		SessionID:            uuid.New(),
		AgentVersion:         agentVersion,
		Caption:              app.Name,
		StartTime:            now.UTC(),
		TimeZoneCaption:      zone,
		HostName:             shortHost,
		DNSDomainName:        dnsDomain,
		UserName:             userName,
		UserDomainName:       userDomain,
		CommandLine:          strings.Join(os.Args, " "),
		OSPlatformCode:       platformCode(runtime.GOOS),
		OSVersion:            osVersion(),
		OSCultureName:        culture,
		OSArchitecture:       architectureCode(runtime.GOARCH),
		RuntimeVersion:       runtime.Version(),
		RuntimeArchitecture:  architectureCode(runtime.GOARCH),
		CurrentCultureName:   culture,
		CurrentUICultureName: culture,
		MemoryMB:             totalMemoryMB(),
		Processors:           1,
		ProcessorCores:       int32(runtime.NumCPU()),
		UserInteractive:      isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()),
		TerminalServer:       os.Getenv("SSH_CONNECTION") != "" || os.Getenv("SESSIONNAME") == "RDP-Tcp",
	}
	s.ComputerID = ComputerID(host, machineID())
	return s
}

// ComputerID derives a stable id for a machine from its host name and
// platform machine id.
func ComputerID(host, machine string) uuid.UUID {
	return uuid.NewSHA1(computerNamespace, []byte(strings.ToLower(host)+"|"+machine))
}

func splitHostName(host string) (short, domain string) {
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i], host[i+1:]
	}
	return host, ""
}

func currentUser() (name, domain string) {
	u, err := user.Current()
	if err != nil {
		return os.Getenv("USER"), ""
	}
	if i := strings.IndexByte(u.Username, '\\'); i >= 0 {
		return u.Username[i+1:], u.Username[:i]
	}
	return u.Username, ""
}

// cultureName turns a POSIX locale such as "en_US.UTF-8" into "en-US".
func cultureName() string {
	for _, key := range []string{"LC_ALL", "LANG"} {
		v := os.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return ""
}

func platformCode(goos string) int32 {
	switch goos {
	case "windows":
		return PlatformWin32NT
	case "darwin":
		return PlatformMacOSX
	default:
		return PlatformUnix
	}
}

func architectureCode(goarch string) int32 {
	switch goarch {
	case "386":
		return ArchitectureX86
	case "amd64":
		return ArchitectureAMD64
	case "arm":
		return ArchitectureARM
	case "arm64":
		return ArchitectureARM64
	default:
		return ArchitectureUnknown
	}
}
