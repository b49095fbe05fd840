//go:build windows

package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElevatedRunsThroughStartProcess(t *testing.T) {
	p := DefaultProfile()
	p.Executable = `C:\Program Files\it's\winget.exe`
	cmd := NewBuilder(p).Elevated("settings", "--enable", SettingInstallerHashOverride)

	assert.Equal(t, "powershell", cmd.Exe)
	require.Len(t, cmd.Args, 4)
	assert.Equal(t, []string{"-NoProfile", "-NonInteractive", "-Command"}, cmd.Args[:3])
	script := cmd.Args[3]
	assert.Contains(t, script, `-FilePath 'C:\Program Files\it''s\winget.exe'`)
	assert.Contains(t, script, "-ArgumentList 'settings','--enable','InstallerHashOverride'")
	assert.Contains(t, script, "-Verb RunAs")
	assert.True(t, strings.HasSuffix(script, "exit $p.ExitCode"))

	assert.Equal(t, ModeHidden, cmd.Mode)
	assert.Equal(t, []string{"settings", "--enable", "InstallerHashOverride"}, cmd.ToolArgs)
}
