package logger

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultMaskValue replaces sensitive values in log output.
const DefaultMaskValue = "***"

// FilterConfig defines the configuration for sensitive data filtering
type FilterConfig struct {
	// SensitiveFields contains field names (case-insensitive substrings) that are masked
	SensitiveFields []string
	// MaskValue is the value used to replace sensitive data (default: "***")
	MaskValue string
}

// DefaultFilterConfig returns a configuration covering database credentials.
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		SensitiveFields: []string{
			"password", "passwd", "pwd",
			"secret", "token", "credential",
		},
		MaskValue: DefaultMaskValue,
	}
}

// keyValuePassword matches libpq style "password=..." pairs inside a DSN.
var keyValuePassword = regexp.MustCompile(`(?i)(password\s*=\s*)('(?:[^'\\]|\\.)*'|\S+)`)

// SensitiveDataFilter masks credentials in log fields. Values of keys that
// look like connection strings ("dsn", "connectionstring", "url") keep their
// shape with only the password replaced.
type SensitiveDataFilter struct {
	config *FilterConfig
}

// NewSensitiveDataFilter creates a new filter with the given configuration
func NewSensitiveDataFilter(config *FilterConfig) *SensitiveDataFilter {
	if config == nil {
		config = DefaultFilterConfig()
	}
	if config.MaskValue == "" {
		config.MaskValue = DefaultMaskValue
	}
	return &SensitiveDataFilter{config: config}
}

// FilterString filters sensitive data from string values
func (f *SensitiveDataFilter) FilterString(key, value string) string {
	if f.isSensitiveField(key) {
		return f.config.MaskValue
	}
	if isConnectionStringField(key) {
		return f.MaskDSN(value)
	}
	return value
}

// FilterValue filters sensitive data from arbitrary values. Only strings
// and string maps are inspected.
func (f *SensitiveDataFilter) FilterValue(key string, value any) any {
	if f.isSensitiveField(key) {
		return f.config.MaskValue
	}
	switch v := value.(type) {
	case string:
		return f.FilterString(key, v)
	case map[string]any:
		return f.FilterFields(v)
	default:
		return value
	}
}

// FilterFields returns a copy of fields with sensitive entries masked.
func (f *SensitiveDataFilter) FilterFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = f.FilterValue(k, v)
	}
	return out
}

// MaskDSN hides the password of a URL style or key/value style connection string.
func (f *SensitiveDataFilter) MaskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), f.config.MaskValue)
			return strings.Replace(u.String(), url.QueryEscape(f.config.MaskValue), f.config.MaskValue, 1)
		}
		return dsn
	}
	return keyValuePassword.ReplaceAllString(dsn, "${1}"+f.config.MaskValue)
}

func (f *SensitiveDataFilter) isSensitiveField(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range f.config.SensitiveFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func isConnectionStringField(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "dsn") || strings.Contains(lower, "connectionstring") || strings.HasSuffix(lower, "url")
}
