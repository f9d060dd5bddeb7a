package bridgenode

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
)

// Binary is the name the node reports itself with
const Binary = "bridge-node"

const undefined = "undefined"

// Populated during build, don't touch!
var (
	Version   = "v0.1.0"
	GitRev    = undefined
	GitBranch = undefined
	BuildDate = undefined
)

// PrintVersion prints version info into the provided io.Writer.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "%s", GetVersion().String())
}

// FullVersion is the build information of the running binary
type FullVersion struct {
	Binary    string
	Version   string
	GitRev    string
	GitBranch string
	BuildDate string
	// Modified is set when the binary was built from a tree with local changes
	Modified  bool
	GoVersion string
	Platform  string
}

// GetVersion returns the build information. Revision and date not injected through ldflags
// are read from the vcs stamp of `go build`
func GetVersion() FullVersion {
	v := FullVersion{
		Binary:    Binary,
		Version:   Version,
		GitRev:    GitRev,
		GitBranch: GitBranch,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		v.fromBuildSettings(info.Settings)
	}
	return v
}

func (f *FullVersion) fromBuildSettings(settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if f.GitRev == undefined {
				f.GitRev = s.Value
			}
		case "vcs.time":
			if f.BuildDate == undefined {
				f.BuildDate = s.Value
			}
		case "vcs.modified":
			f.Modified = s.Value == "true"
		}
	}
}

// Fields returns the build information as structured log key-value pairs
func (f FullVersion) Fields() []interface{} {
	return []interface{}{
		"binary", f.Binary,
		"gitRevision", f.GitRev,
		"gitBranch", f.GitBranch,
		"modified", f.Modified,
		"goVersion", f.GoVersion,
		"built", f.BuildDate,
		"os/arch", f.Platform,
	}
}

func (f FullVersion) String() string {
	rev := f.GitRev
	if f.Modified {
		rev += " (modified)"
	}
	return fmt.Sprintf("%s %s\n"+
		"Git revision: %s\n"+
		"Git branch:   %s\n"+
		"Go version:   %s\n"+
		"Built:        %s\n"+
		"OS/Arch:      %s\n",
		f.Binary, f.Version, rev, f.GitBranch,
		f.GoVersion, f.BuildDate, f.Platform)
}
