// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"errors"
	"fmt"
	"strings"

	packageurl "github.com/package-url/packageurl-go"
)

var ErrInvalidPurl = errors.New("invalid package url")

// Identity names one package version. Purl is canonical when present; legacy
// form-submitted tasks only carry the ecosystem/name/version triple.
type Identity struct {
	Purl      string
	Ecosystem string
	Name      string
	Version   string
}

// ParseIdentity turns a package-url such as pkg:npm/left-pad@1.3.0 into an
// Identity with a canonical purl string.
func ParseIdentity(purl string) (Identity, error) {
	purl = strings.TrimSpace(purl)
	if !strings.HasPrefix(purl, "pkg:") {
		return Identity{}, fmt.Errorf("%w: %q must start with pkg:", ErrInvalidPurl, purl)
	}
	p, err := packageurl.FromString(purl)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidPurl, err)
	}
	if p.Name == "" {
		return Identity{}, fmt.Errorf("%w: missing package name", ErrInvalidPurl)
	}

	name := p.Name
	if p.Namespace != "" {
		switch p.Type {
		case packageurl.TypeNPM:
			name = p.Namespace + "/" + p.Name
		case packageurl.TypeMaven:
			name = p.Namespace + ":" + p.Name
		default:
			name = p.Namespace + "/" + p.Name
		}
	}
	version := p.Version
	if version == "" {
		version = "latest"
	}

	return Identity{
		Purl:      p.ToString(),
		Ecosystem: ecosystemFor(p.Type),
		Name:      name,
		Version:   version,
	}, nil
}

// LegacyIdentity builds an identity without a purl.
func LegacyIdentity(ecosystem, name, version string) Identity {
	return Identity{Ecosystem: ecosystem, Name: name, Version: version}
}

// Key is the dedup key: the purl when present, otherwise the triple.
func (i Identity) Key() string {
	if i.Purl != "" {
		return i.Purl
	}
	return fmt.Sprintf("%s/%s@%s", i.Ecosystem, i.Name, i.Version)
}

func (i Identity) Validate() error {
	if i.Purl == "" && (i.Ecosystem == "" || i.Name == "") {
		return fmt.Errorf("%w: identity needs a purl or ecosystem and name", ErrInvalidPurl)
	}
	return nil
}

func (i Identity) String() string {
	return fmt.Sprintf("%s@%s (%s)", i.Name, i.Version, i.Ecosystem)
}

// ecosystemFor maps purl types onto the sandbox's ecosystem names.
func ecosystemFor(purlType string) string {
	switch purlType {
	case packageurl.TypePyPi:
		return "pypi"
	case packageurl.TypeNPM:
		return "npm"
	case packageurl.TypeGem:
		return "rubygems"
	case packageurl.TypeCargo:
		return "crates.io"
	case packageurl.TypeComposer:
		return "packagist"
	case packageurl.TypeMaven:
		return "maven"
	default:
		return purlType
	}
}

// AnalyzerEcosystem is the ecosystem flag the dynamic analyzer expects.
func (i Identity) AnalyzerEcosystem() string {
	switch i.Ecosystem {
	case "crates.io":
		return "cargo"
	case "rubygems":
		return "gem"
	case "packagist":
		return "composer"
	default:
		return i.Ecosystem
	}
}
