package directory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Attribute syntaxes the mock directory checks values against.
const (
	SyntaxString          = "string"
	SyntaxInteger         = "integer"
	SyntaxDN              = "dn"
	SyntaxGeneralizedTime = "generalizedTime"
	SyntaxBoolean         = "boolean"
	SyntaxOctets          = "octets"
)

type AttributeType struct {
	Name        string   `yaml:"name"`
	Aliases     []string `yaml:"aliases"`
	Syntax      string   `yaml:"syntax"`
	SingleValue bool     `yaml:"single_value"`
	// Operational attributes are maintained by the directory and only
	// returned when asked for.
	Operational bool `yaml:"operational"`
}

type ObjectClass struct {
	Name string   `yaml:"name"`
	Sup  string   `yaml:"sup"`
	Must []string `yaml:"must"`
	May  []string `yaml:"may"`
}

// Schema is the metadata the mock directory validates adds and modifies
// against.
type Schema struct {
	attrs   map[string]*AttributeType
	classes map[string]*ObjectClass
}

func NewSchema() *Schema {
	return &Schema{
		attrs:   make(map[string]*AttributeType),
		classes: make(map[string]*ObjectClass),
	}
}

// DefaultSchema holds the RFC 4512, 4519, 4524 and 2798 definitions.
func DefaultSchema() *Schema {
	s := NewSchema()
	for i := range defaultAttributeTypes {
		at := defaultAttributeTypes[i]
		s.AddAttributeType(&at)
	}
	for i := range defaultObjectClasses {
		oc := defaultObjectClasses[i]
		s.AddObjectClass(&oc)
	}
	return s
}

func (s *Schema) AddAttributeType(at *AttributeType) {
	if at.Syntax == "" {
		at.Syntax = SyntaxString
	}
	s.attrs[strings.ToLower(at.Name)] = at
	for _, a := range at.Aliases {
		s.attrs[strings.ToLower(a)] = at
	}
}

func (s *Schema) AddObjectClass(oc *ObjectClass) {
	s.classes[strings.ToLower(oc.Name)] = oc
}

// AttributeType looks a name or alias up case-insensitively.
func (s *Schema) AttributeType(name string) (*AttributeType, bool) {
	at, ok := s.attrs[strings.ToLower(name)]
	return at, ok
}

func (s *Schema) ObjectClass(name string) (*ObjectClass, bool) {
	oc, ok := s.classes[strings.ToLower(name)]
	return oc, ok
}

// CanonicalName returns the primary name of an attribute, or name itself
// when it is unknown.
func (s *Schema) CanonicalName(name string) string {
	if at, ok := s.AttributeType(name); ok {
		return at.Name
	}
	return name
}

func (s *Schema) OperationalAttributes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, at := range s.attrs {
		if at.Operational && !seen[at.Name] {
			seen[at.Name] = true
			out = append(out, at.Name)
		}
	}
	return out
}

// Seed is the optional YAML document that extends the mock directory.
type Seed struct {
	AttributeTypes []AttributeType `yaml:"attribute_types"`
	ObjectClasses  []ObjectClass   `yaml:"object_classes"`
	Credentials    []Credential    `yaml:"credentials"`
	Entries        []SeedEntry     `yaml:"entries"`
}

type Credential struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type SeedEntry struct {
	DN         string              `yaml:"dn"`
	Attributes map[string][]string `yaml:"attributes"`
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mock seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse mock seed %s: %w", path, err)
	}
	return &seed, nil
}

var defaultAttributeTypes = []AttributeType{
	{Name: "objectClass"},
	{Name: "aliasedObjectName", Aliases: []string{"aliasedEntryName"}, Syntax: SyntaxDN, SingleValue: true},
	{Name: "name"},
	{Name: "cn", Aliases: []string{"commonName"}},
	{Name: "sn", Aliases: []string{"surname"}},
	{Name: "serialNumber"},
	{Name: "c", Aliases: []string{"countryName"}, SingleValue: true},
	{Name: "l", Aliases: []string{"localityName"}},
	{Name: "st", Aliases: []string{"stateOrProvinceName"}},
	{Name: "street", Aliases: []string{"streetAddress"}},
	{Name: "o", Aliases: []string{"organizationName"}},
	{Name: "ou", Aliases: []string{"organizationalUnitName"}},
	{Name: "title"},
	{Name: "description"},
	{Name: "searchGuide"},
	{Name: "businessCategory"},
	{Name: "postalAddress"},
	{Name: "postalCode"},
	{Name: "postOfficeBox"},
	{Name: "physicalDeliveryOfficeName"},
	{Name: "telephoneNumber"},
	{Name: "telexNumber"},
	{Name: "facsimileTelephoneNumber", Aliases: []string{"fax"}},
	{Name: "x121Address"},
	{Name: "internationaliSDNNumber"},
	{Name: "registeredAddress"},
	{Name: "destinationIndicator"},
	{Name: "preferredDeliveryMethod", SingleValue: true},
	{Name: "teletexTerminalIdentifier"},
	{Name: "userPassword", Syntax: SyntaxOctets},
	{Name: "givenName", Aliases: []string{"gn"}},
	{Name: "initials"},
	{Name: "generationQualifier"},
	{Name: "x500UniqueIdentifier"},
	{Name: "dnQualifier"},
	{Name: "distinguishedName", Syntax: SyntaxDN},
	{Name: "member", Syntax: SyntaxDN},
	{Name: "uniqueMember", Syntax: SyntaxDN},
	{Name: "owner", Syntax: SyntaxDN},
	{Name: "roleOccupant", Syntax: SyntaxDN},
	{Name: "seeAlso", Syntax: SyntaxDN},
	{Name: "dc", Aliases: []string{"domainComponent"}, SingleValue: true},
	{Name: "uid", Aliases: []string{"userid"}},
	{Name: "mail", Aliases: []string{"rfc822Mailbox"}},
	{Name: "manager", Syntax: SyntaxDN},
	{Name: "secretary", Syntax: SyntaxDN},
	{Name: "homePhone", Aliases: []string{"homeTelephoneNumber"}},
	{Name: "homePostalAddress"},
	{Name: "mobile", Aliases: []string{"mobileTelephoneNumber"}},
	{Name: "pager", Aliases: []string{"pagerTelephoneNumber"}},
	{Name: "roomNumber"},
	{Name: "photo", Syntax: SyntaxOctets},
	{Name: "carLicense"},
	{Name: "departmentNumber"},
	{Name: "displayName", SingleValue: true},
	{Name: "employeeNumber", SingleValue: true},
	{Name: "employeeType"},
	{Name: "jpegPhoto", Syntax: SyntaxOctets},
	{Name: "preferredLanguage", SingleValue: true},
	{Name: "userSMIMECertificate", Syntax: SyntaxOctets},
	{Name: "userPKCS12", Syntax: SyntaxOctets},
	{Name: "userCertificate", Syntax: SyntaxOctets},
	{Name: "audio", Syntax: SyntaxOctets},
	{Name: "labeledURI"},
	{Name: "uidNumber", Syntax: SyntaxInteger, SingleValue: true},
	{Name: "gidNumber", Syntax: SyntaxInteger, SingleValue: true},
	{Name: "homeDirectory", SingleValue: true},
	{Name: "loginShell", SingleValue: true},
	{Name: "memberUid"},

	{Name: "createTimestamp", Syntax: SyntaxGeneralizedTime, SingleValue: true, Operational: true},
	{Name: "modifyTimestamp", Syntax: SyntaxGeneralizedTime, SingleValue: true, Operational: true},
	{Name: "creatorsName", Syntax: SyntaxDN, SingleValue: true, Operational: true},
	{Name: "modifiersName", Syntax: SyntaxDN, SingleValue: true, Operational: true},
	{Name: "structuralObjectClass", SingleValue: true, Operational: true},
	{Name: "entryDN", Syntax: SyntaxDN, SingleValue: true, Operational: true},
	{Name: "entryUUID", SingleValue: true, Operational: true},
	{Name: "hasSubordinates", Syntax: SyntaxBoolean, SingleValue: true, Operational: true},
	{Name: "subschemaSubentry", Syntax: SyntaxDN, SingleValue: true, Operational: true},
}

var defaultObjectClasses = []ObjectClass{
	{Name: "top", Must: []string{"objectClass"}},
	{Name: "alias", Sup: "top", Must: []string{"aliasedObjectName"}},
	{Name: "country", Sup: "top", Must: []string{"c"}, May: []string{"searchGuide", "description"}},
	{Name: "locality", Sup: "top", May: []string{"street", "seeAlso", "searchGuide", "st", "l", "description"}},
	{Name: "organization", Sup: "top", Must: []string{"o"}},
	{Name: "organizationalUnit", Sup: "top", Must: []string{"ou"}},
	{Name: "person", Sup: "top", Must: []string{"sn", "cn"}, May: []string{"userPassword", "telephoneNumber", "seeAlso", "description"}},
	{Name: "organizationalPerson", Sup: "person", May: []string{"title", "ou", "st", "l", "street", "postalCode", "postalAddress"}},
	{Name: "inetOrgPerson", Sup: "organizationalPerson", May: []string{"uid", "mail", "givenName", "initials", "displayName", "employeeNumber", "employeeType", "homePhone", "mobile", "preferredLanguage", "labeledURI", "manager"}},
	{Name: "organizationalRole", Sup: "top", Must: []string{"cn"}},
	{Name: "groupOfNames", Sup: "top", Must: []string{"member", "cn"}},
	{Name: "groupOfUniqueNames", Sup: "top", Must: []string{"uniqueMember", "cn"}},
	{Name: "domain", Sup: "top", Must: []string{"dc"}},
	{Name: "dcObject", Sup: "top", Must: []string{"dc"}},
	{Name: "uidObject", Sup: "top", Must: []string{"uid"}},
	{Name: "posixAccount", Sup: "top", Must: []string{"cn", "uid", "uidNumber", "gidNumber", "homeDirectory"}},
	{Name: "posixGroup", Sup: "top", Must: []string{"cn", "gidNumber"}, May: []string{"memberUid", "description"}},
	{Name: "extensibleObject", Sup: "top"},
}
