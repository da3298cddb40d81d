// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iface

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/vishvananda/netlink"
)

// Link is a network interface that the classifier attaches to.
type Link struct {
	Name  string
	Index int
}

// Select returns the links on this host whose names match any of the
// patterns. Patterns are unanchored regular expressions, so "eth"
// matches "eth0" and "veth12".
func Select(patterns []string) ([]Link, error) {
	res, err := compile(patterns)
	if err != nil {
		return nil, err
	}

	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	all := make([]Link, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		all = append(all, Link{Name: attrs.Name, Index: attrs.Index})
	}

	matched := Filter(all, res)
	if len(matched) == 0 {
		return nil, fmt.Errorf("no interface matches %q", patterns)
	}
	return matched, nil
}

// Filter returns the links whose names match any of res, in order.
func Filter(links []Link, res []*regexp.Regexp) []Link {
	var matched []Link
	for _, l := range links {
		for _, re := range res {
			if re.MatchString(l.Name) {
				matched = append(matched, l)
				break
			}
		}
	}
	return matched
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, errors.New("no interface patterns")
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("interface pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}
