package credstore

import (
	"fmt"
	"regexp"
	"strings"
)

// fieldNames are the recognized placeholders of an import format string, in
// longest-first order so "emailPassword" wins over "email".
var fieldNames = []string{
	"twoFactorSecret",
	"emailPassword",
	"authToken",
	"username",
	"password",
	"email",
	"ANY",
}

// LineFormat matches newline-separated account records against a format
// string such as "username:password:email:emailPassword:authToken:ANY".
// Each named field becomes a capture group, ANY is matched and discarded,
// and everything between placeholders is escaped and matched literally.
type LineFormat struct {
	re     *regexp.Regexp
	groups []string
}

// NewLineFormat compiles a format string. It fails if the format contains no
// placeholders or names "username" nowhere.
func NewLineFormat(format string) (*LineFormat, error) {
	var pattern strings.Builder
	var groups []string
	pattern.WriteString("^")

	rest := format
	sawField := false
outer:
	for rest != "" {
		for _, name := range fieldNames {
			if strings.HasPrefix(rest, name) {
				if name == "ANY" {
					pattern.WriteString(`.*?`)
				} else {
					fmt.Fprintf(&pattern, `(?P<%s>.*?)`, name)
					groups = append(groups, name)
				}
				sawField = true
				rest = rest[len(name):]
				continue outer
			}
		}
		pattern.WriteString(regexp.QuoteMeta(rest[:1]))
		rest = rest[1:]
	}
	pattern.WriteString("$")

	if !sawField {
		return nil, fmt.Errorf("format %q contains no fields", format)
	}
	hasUsername := false
	for _, g := range groups {
		if g == "username" {
			hasUsername = true
		}
	}
	if !hasUsername {
		return nil, fmt.Errorf("format %q does not capture username", format)
	}

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, fmt.Errorf("compile format %q: %w", format, err)
	}
	return &LineFormat{re: re, groups: groups}, nil
}

// ParseLine parses one record line. Returns nil for blank lines and an error
// for lines that do not match the format.
func (f *LineFormat) ParseLine(line string) (*Credential, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	m := f.re.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("line does not match format: %q", line)
	}

	var c Credential
	for i, name := range f.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		switch name {
		case "username":
			c.Username = m[i]
		case "password":
			c.Password = m[i]
		case "email":
			c.Email = m[i]
		case "emailPassword":
			c.EmailPassword = m[i]
		case "authToken":
			c.AuthToken = m[i]
		case "twoFactorSecret":
			c.TwoFactorSecret = m[i]
		}
	}
	if c.Username == "" {
		return nil, fmt.Errorf("line yields empty username: %q", line)
	}
	return &c, nil
}

// Parse parses a newline-separated batch, skipping blank lines.
func (f *LineFormat) Parse(text string) ([]Credential, error) {
	var out []Credential
	for i, line := range strings.Split(text, "\n") {
		c, err := f.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}
