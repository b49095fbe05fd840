package core

import (
	"path/filepath"
	"slices"
	"strings"
)

// Command is a concrete invocation produced by the Builder.
type Command struct {
	Exe  string
	Args []string
	Mode ExecutionMode
	// ToolArgs is the argument vector passed to the tool itself, before any shell wrapping.
	ToolArgs []string
	// Display is the user-facing rendering, always in the unwrapped "tool args..." form.
	Display string
	// OutputDir is the resolved download directory; empty for other verbs.
	OutputDir string
}

// Builder turns CommandSpecs into Commands for one tool profile.
type Builder struct {
	profile Profile
}

// NewBuilder creates a Builder for profile.
func NewBuilder(profile Profile) *Builder {
	return &Builder{profile: profile}
}

// DefaultFlags returns the flag set injected when a spec has no explicit flags.
func (b *Builder) DefaultFlags(verb Verb) []string {
	if flags, ok := b.profile.DefaultFlags[verb]; ok {
		return slices.Clone(flags)
	}
	src := b.profile.defaultSource()
	switch verb {
	case VerbInstall, VerbUpgrade:
		return []string{
			"--exact",
			"--source", src,
			"--accept-source-agreements",
			"--accept-package-agreements",
			"--disable-interactivity",
			"--silent",
			"--include-unknown",
			"--force",
		}
	case VerbUninstall:
		return []string{"--exact", "--accept-source-agreements"}
	case VerbDownload:
		return []string{
			"--exact",
			"--source", src,
			"--accept-source-agreements",
			"--accept-package-agreements",
			"--disable-interactivity",
		}
	default:
		return nil
	}
}

// Build validates spec and renders it as
// <verb> --id <target> [flags...] [--source <src>] [--proxy <p>] [--download-directory <dir>].
func (b *Builder) Build(spec CommandSpec) (Command, error) {
	target := strings.TrimSpace(spec.TargetID)
	if target == "" {
		return Command{}, invalidSpec(spec.TaskID, "target id is required")
	}
	if !spec.Verb.Valid() {
		return Command{}, invalidSpec(spec.Key(), "unsupported verb %q", spec.Verb)
	}

	flags := slices.Clone(spec.Flags)
	if len(flags) == 0 {
		flags = b.DefaultFlags(spec.Verb)
	}
	source := strings.TrimSpace(spec.Source)
	if source != "" {
		flags = stripFlagPair(flags, "--source", "-s")
	}

	args := []string{string(spec.Verb), "--id", target}
	args = append(args, flags...)
	if source != "" {
		args = append(args, "--source", source)
	}
	if proxy := strings.TrimSpace(spec.Proxy); proxy != "" {
		args = append(args, "--proxy", proxy)
	}

	var outputDir string
	if spec.Verb == VerbDownload {
		outputDir = b.resolveOutputDir(spec.OutputDir)
		args = append(args, "--download-directory", outputDir)
	}

	exe := b.profile.executable()
	cmd := Command{
		Exe:       exe,
		Args:      args,
		Mode:      ModeHidden,
		ToolArgs:  args,
		Display:   displayCommand(exe, args),
		OutputDir: outputDir,
	}
	if b.isInteractive(flags) {
		cmd.Mode = ModeInteractive
		cmd.Exe, cmd.Args = b.wrap(exe, args)
	}
	return cmd, nil
}

// Tool returns a hidden, unwrapped command running the tool with args.
func (b *Builder) Tool(args ...string) Command {
	exe := b.profile.executable()
	return Command{Exe: exe, Args: args, ToolArgs: args, Mode: ModeHidden, Display: displayCommand(exe, args)}
}

// Elevated returns a hidden command running the tool with args as administrator.
// On Windows this goes through a UAC prompt and the tool's own output is lost;
// elsewhere it runs with the daemon's privileges.
func (b *Builder) Elevated(args ...string) Command {
	cmd := b.Tool(args...)
	cmd.Exe, cmd.Args = elevate(cmd.Exe, args)
	return cmd
}

func (b *Builder) isInteractive(flags []string) bool {
	for _, f := range flags {
		if slices.Contains(b.profile.InteractiveFlags, f) {
			return true
		}
	}
	return false
}

// wrap composes the shell invocation for interactive mode.
func (b *Builder) wrap(exe string, args []string) (string, []string) {
	shell := b.profile.Shell
	if shell.Exe == "" {
		shell = defaultShell()
	}
	line := joinCommandLine(exe, args)
	if shell.Prelude != "" {
		line = shell.Prelude + line
	}
	wrapped := append(slices.Clone(shell.Args), line)
	return shell.Exe, wrapped
}

func (b *Builder) resolveOutputDir(dir string) string {
	if d := strings.TrimSpace(dir); d != "" {
		return d
	}
	if b.profile.DownloadDir != "" {
		return b.profile.DownloadDir
	}
	return defaultDownloadDir()
}

// stripFlagPair removes every occurrence of the named flags together with their values.
func stripFlagPair(flags []string, names ...string) []string {
	out := make([]string, 0, len(flags))
	for i := 0; i < len(flags); i++ {
		if slices.Contains(names, flags[i]) {
			if i+1 < len(flags) && !strings.HasPrefix(flags[i+1], "-") {
				i++
			}
			continue
		}
		out = append(out, flags[i])
	}
	return out
}

func displayCommand(exe string, args []string) string {
	name := strings.TrimSuffix(filepath.Base(exe), filepath.Ext(exe))
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
