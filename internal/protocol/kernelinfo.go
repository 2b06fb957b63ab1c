package protocol

import "slices"

type KernelCommandInfo struct {
	Name string `json:"name"`
}

type KernelDirectiveInfo struct {
	Name string `json:"name"`
}

// KernelInfo describes one kernel's identity and capabilities.
type KernelInfo struct {
	LocalName               string                `json:"localName"`
	Aliases                 []string              `json:"aliases"`
	URI                     string                `json:"uri"`
	RemoteURI               string                `json:"remoteUri,omitempty"`
	IsProxy                 bool                  `json:"isProxy"`
	IsComposite             bool                  `json:"isComposite"`
	LanguageName            string                `json:"languageName,omitempty"`
	LanguageVersion         string                `json:"languageVersion,omitempty"`
	DisplayName             string                `json:"displayName"`
	Description             string                `json:"description,omitempty"`
	SupportedKernelCommands []KernelCommandInfo   `json:"supportedKernelCommands"`
	SupportedDirectives     []KernelDirectiveInfo `json:"supportedDirectives"`
}

func (k KernelInfo) Clone() KernelInfo {
	out := k
	out.Aliases = slices.Clone(k.Aliases)
	out.SupportedKernelCommands = slices.Clone(k.SupportedKernelCommands)
	out.SupportedDirectives = slices.Clone(k.SupportedDirectives)
	if out.Aliases == nil {
		out.Aliases = []string{}
	}
	if out.SupportedKernelCommands == nil {
		out.SupportedKernelCommands = []KernelCommandInfo{}
	}
	if out.SupportedDirectives == nil {
		out.SupportedDirectives = []KernelDirectiveInfo{}
	}
	return out
}

func (k KernelInfo) SupportsCommand(t CommandType) bool {
	for _, c := range k.SupportedKernelCommands {
		if c.Name == string(t) {
			return true
		}
	}
	return false
}

func (k KernelInfo) HasAlias(name string) bool {
	return slices.Contains(k.Aliases, name)
}

// AddSupportedCommand appends t once and reports whether it was new.
func (k *KernelInfo) AddSupportedCommand(t CommandType) bool {
	if k.SupportsCommand(t) {
		return false
	}
	k.SupportedKernelCommands = append(k.SupportedKernelCommands, KernelCommandInfo{Name: string(t)})
	return true
}

// Merge folds src into k. Command and directive lists are unioned by name.
// Language metadata takes the newest non-empty value; display name and the
// composite flag follow src.
func (k *KernelInfo) Merge(src KernelInfo) {
	if src.LanguageName != "" {
		k.LanguageName = src.LanguageName
	}
	if src.LanguageVersion != "" {
		k.LanguageVersion = src.LanguageVersion
	}
	if src.DisplayName != "" {
		k.DisplayName = src.DisplayName
	}
	if src.Description != "" {
		k.Description = src.Description
	}
	k.IsComposite = src.IsComposite

	for _, c := range src.SupportedKernelCommands {
		k.AddSupportedCommand(CommandType(c.Name))
	}
	for _, d := range src.SupportedDirectives {
		if !slices.ContainsFunc(k.SupportedDirectives, func(have KernelDirectiveInfo) bool { return have.Name == d.Name }) {
			k.SupportedDirectives = append(k.SupportedDirectives, d)
		}
	}
}
