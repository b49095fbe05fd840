package core

import (
	"os"
	"path/filepath"
)

// Profile describes the wrapped command-line tool.
type Profile struct {
	// Executable is the tool binary, looked up on PATH when not absolute.
	Executable    string
	DefaultSource string
	// Columns is exported as COLUMNS so tables are not truncated. Zero leaves the environment alone.
	Columns int
	// Encoding is the IANA name of the tool's output encoding.
	Encoding         string
	InteractiveFlags []string
	SoftSuccess      SoftSuccessTable
	// DefaultFlags overrides the built-in flag sets per verb.
	DefaultFlags   map[Verb][]string
	DownloadDir    string
	ArtifactMarker string
	Shell          ShellWrapper
}

// ShellWrapper composes interactive invocations into one command line run by Exe.
type ShellWrapper struct {
	Exe  string
	Args []string
	// Prelude runs before the tool in the same command line.
	Prelude string
}

// DefaultProfile returns the winget profile for the current platform.
func DefaultProfile() Profile {
	return Profile{
		Executable:       "winget",
		DefaultSource:    "winget",
		Columns:          10000,
		Encoding:         "utf-8",
		InteractiveFlags: []string{"--interactive", "-i"},
		SoftSuccess:      DefaultSoftSuccess(),
		DownloadDir:      defaultDownloadDir(),
		ArtifactMarker:   "manifest",
		Shell:            defaultShell(),
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "Downloads", "winget-downloads")
}

func (p Profile) executable() string {
	if p.Executable == "" {
		return "winget"
	}
	return p.Executable
}

func (p Profile) defaultSource() string {
	if p.DefaultSource == "" {
		return "winget"
	}
	return p.DefaultSource
}
