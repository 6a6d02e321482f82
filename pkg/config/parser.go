package config

import (
	"fmt"
	"io"
	"sort"
	"strings"

	sdunit "github.com/coreos/go-systemd/v22/unit"

	"github.com/sunlightlinux/slunit/pkg/unit"
)

// ParseError represents an error during unit fragment parsing.
type ParseError struct {
	UnitName string
	FileName string
	Message  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s (unit: %s)", e.FileName, e.Message, e.UnitName)
}

// Unknown is a key the parser kept but no unit type reads.
type Unknown struct {
	FileName string
	Section  string
	Key      string
}

func (u Unknown) String() string {
	return fmt.Sprintf("%s: unknown key %s in section [%s]", u.FileName, u.Key, u.Section)
}

// Parse reads one unit file or drop-in and merges its assignments into
// sections. Values of repeated keys accumulate in file order; an empty
// assignment is kept so that unit.Fragment.All can reset the list.
func Parse(r io.Reader, name, fileName string, sections map[string]map[string][]string) ([]Unknown, error) {
	parsed, err := sdunit.DeserializeSections(r)
	if err != nil {
		return nil, &ParseError{UnitName: name, FileName: fileName, Message: err.Error()}
	}

	var unknown []Unknown
	for _, sec := range parsed {
		if sections[sec.Section] == nil {
			sections[sec.Section] = make(map[string][]string)
		}
		for _, entry := range sec.Entries {
			if !IsKnownSetting(sec.Section, entry.Name) {
				unknown = append(unknown, Unknown{FileName: fileName, Section: sec.Section, Key: entry.Name})
			}
			sections[sec.Section][entry.Name] = append(sections[sec.Section][entry.Name], strings.TrimSpace(entry.Value))
		}
	}
	return unknown, nil
}

// ParseFragment reads a complete unit file.
func ParseFragment(r io.Reader, name, fileName string) (*unit.Fragment, []Unknown, error) {
	sections := make(map[string]map[string][]string)
	unknown, err := Parse(r, name, fileName, sections)
	if err != nil {
		return nil, nil, err
	}
	if t := unit.TypeFromName(name); t != unit.TypeOther {
		if err := checkSections(name, fileName, t, sections); err != nil {
			return nil, nil, err
		}
	}
	return &unit.Fragment{Path: fileName, Sections: sections}, unknown, nil
}

// checkSections rejects type sections that belong to another unit
// type, such as [Swap] in a target.
func checkSections(name, fileName string, t unit.UnitType, sections map[string]map[string][]string) error {
	var bad []string
	for sec := range sections {
		owner, typed := sectionOwner[sec]
		if typed && owner != t {
			bad = append(bad, sec)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return &ParseError{
		UnitName: name,
		FileName: fileName,
		Message:  fmt.Sprintf("section [%s] is not valid for %s units", strings.Join(bad, "], ["), t),
	}
}
