package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Query kinds accepted by Engine.Query.
const (
	QueryInstalled = "installed"
	QueryUpgrades  = "upgrades"
	QuerySearch    = "search"
	QueryShow      = "show"
	QuerySources   = "sources"
	QueryFeatures  = "features"
	QueryInfo      = "info"
	QueryVersion   = "version"
	QueryHelp      = "help"
	QuerySettings  = "settings"
)

// QueryKinds lists every supported query kind.
var QueryKinds = []string{
	QueryInstalled, QueryUpgrades, QuerySearch, QueryShow, QuerySources,
	QueryFeatures, QueryInfo, QueryVersion, QueryHelp, QuerySettings,
}

// Settings winget can toggle that change how tasks are built.
const (
	SettingProxyCommandLineOptions = "ProxyCommandLineOptions"
	SettingInstallerHashOverride   = "InstallerHashOverride"
)

// QueryRequest selects a read-only winget command.
type QueryRequest struct {
	Kind string
	// Term is the search text for search and the package id for show.
	Term  string
	Proxy string
}

// QueryArgs renders the tool arguments for req. A search with a blank term
// returns nil args and no error: there is nothing to run.
func QueryArgs(req QueryRequest) ([]string, error) {
	proxy := strings.TrimSpace(req.Proxy)
	withProxy := func(args []string) []string {
		if proxy != "" {
			args = append(args, "--proxy", proxy)
		}
		return args
	}
	term := strings.TrimSpace(req.Term)

	switch req.Kind {
	case QueryInstalled:
		return []string{"list", "--accept-source-agreements"}, nil
	case QueryUpgrades:
		return withProxy([]string{"upgrade", "--accept-source-agreements"}), nil
	case QuerySearch:
		if term == "" {
			return nil, nil
		}
		return withProxy([]string{"search", term, "--accept-source-agreements"}), nil
	case QueryShow:
		if term == "" {
			return nil, invalidSpec("", "show requires a package id")
		}
		args := []string{"show", "--id"}
		if trimmed, ok := trimTruncated(term); ok {
			args = append(args, trimmed)
		} else {
			args = append(args, term, "--exact")
		}
		return withProxy(append(args, "--accept-source-agreements")), nil
	case QuerySources:
		return []string{"source", "list"}, nil
	case QueryFeatures:
		return []string{"features"}, nil
	case QueryInfo:
		return []string{"--info"}, nil
	case QueryVersion:
		return []string{"--version"}, nil
	case QueryHelp:
		return []string{"--help"}, nil
	case QuerySettings:
		return []string{"settings", "export"}, nil
	default:
		return nil, invalidSpec("", "unknown query kind %q", req.Kind)
	}
}

// trimTruncated strips the ellipsis winget puts on ids cut off in tables.
// Such ids cannot be matched exactly.
func trimTruncated(id string) (string, bool) {
	switch {
	case strings.HasSuffix(id, "…"):
		return strings.TrimSpace(strings.TrimSuffix(id, "…")), true
	case strings.HasSuffix(id, "..."):
		return strings.TrimSpace(strings.TrimSuffix(id, "...")), true
	default:
		return id, false
	}
}

// Query runs a read-only winget command and returns its normalized output.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (string, error) {
	args, err := QueryArgs(req)
	if err != nil {
		return "", err
	}
	if args == nil {
		return "", nil
	}
	return e.Run(ctx, QueryID(req.Kind), args...)
}

// SettingsState reports which optional winget settings are enabled.
type SettingsState struct {
	ProxyCommandLineOptions bool `json:"proxy_command_line_options"`
	InstallerHashOverride   bool `json:"installer_hash_override"`
}

// ReadSettings exports winget settings and inspects the admin toggles.
func (e *Engine) ReadSettings(ctx context.Context) (SettingsState, error) {
	out, err := e.Query(ctx, QueryRequest{Kind: QuerySettings})
	if err != nil {
		return SettingsState{}, err
	}
	return ParseSettingsExport(out), nil
}

// EnableSetting runs `winget settings --enable <name>` elevated for one of the
// known toggles. winget refuses admin settings from an unelevated process.
func (e *Engine) EnableSetting(ctx context.Context, name string) (string, error) {
	switch name {
	case SettingProxyCommandLineOptions, SettingInstallerHashOverride:
	default:
		return "", invalidSpec("", "unsupported setting %q", name)
	}
	return e.run(ctx, QueryID("settings"), e.builder.Elevated("settings", "--enable", name))
}

// ParseSettingsExport reads the JSON document printed by `winget settings export`.
// Text around the document is ignored; anything unparseable reads as all disabled.
func ParseSettingsExport(out string) SettingsState {
	start := strings.IndexByte(out, '{')
	end := strings.LastIndexByte(out, '}')
	if start < 0 || end < start {
		return SettingsState{}
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(out[start:end+1]), &doc); err != nil {
		return SettingsState{}
	}
	return SettingsState{
		ProxyCommandLineOptions: lookupBool(doc, SettingProxyCommandLineOptions),
		InstallerHashOverride:   lookupBool(doc, SettingInstallerHashOverride),
	}
}

// lookupBool finds key anywhere in the document; winget nests the admin
// toggles under "adminSettings".
func lookupBool(node any, key string) bool {
	switch v := node.(type) {
	case map[string]any:
		if b, ok := v[key].(bool); ok {
			return b
		}
		for _, child := range v {
			if lookupBool(child, key) {
				return true
			}
		}
	case []any:
		for _, child := range v {
			if lookupBool(child, key) {
				return true
			}
		}
	}
	return false
}

func (r QueryRequest) String() string {
	if r.Term == "" {
		return r.Kind
	}
	return fmt.Sprintf("%s(%s)", r.Kind, r.Term)
}
