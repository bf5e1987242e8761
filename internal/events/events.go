// Package events implements spec component G: parsing the
// line-oriented events-log grammar, canonicalizing and validating its
// distinguished os-image-identity entry, and driving the simulated TPM
// PCR extension and TCG event log replay. Grounded on the teacher's
// config-validation use of a schema-driven parser (see
// internal/config for the struct-tag pattern this replaces) and
// adapted to a JSON-Schema validated free-form record, the natural fit
// for a single synthesized JSON object rather than a whole config
// file.
package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// MaxPCRLogEvents bounds the number of recorded log entries, per spec §4.7.
const MaxPCRLogEvents = 16

// EntryType distinguishes a string-measured entry from a binary one.
type EntryType int

const (
	TypeString EntryType = iota
	TypeBinary
)

// Entry is one parsed events-log line.
type Entry struct {
	PCR     int
	Type    EntryType
	Payload []byte
}

var lineRE = regexp.MustCompile(`^PCR([0-9]{1,2}):(string|binary):(.*)$`)

const identityPrefix = `"os-image-identity":{`

// identitySchema is the fixed shape spec §4.7 requires for the
// synthesized os-image-identity object.
const identitySchemaJSON = `{
	"type": "object",
	"required": ["signer", "svn", "diskId", "eventVersion"],
	"properties": {
		"signer": {"type": "string"},
		"svn": {"type": "string"},
		"diskId": {"type": "string"},
		"eventVersion": {"type": "string"}
	}
}`

var identitySchema = mustCompileIdentitySchema()

func mustCompileIdentitySchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("os-image-identity.json", strings.NewReader(identitySchemaJSON)); err != nil {
		panic(fmt.Sprintf("events: compiling identity schema: %v", err))
	}
	s, err := compiler.Compile("os-image-identity.json")
	if err != nil {
		panic(fmt.Sprintf("events: compiling identity schema: %v", err))
	}
	return s
}

// Parse reads an events-log file from r, canonicalizing its
// os-image-identity entry's signer field to signerHex, per spec §4.7.
// Exactly one os-image-identity entry is required; parsing more than
// MaxPCRLogEvents lines is fatal.
func Parse(r io.Reader, signerHex string) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	var entries []Entry
	identitySeen := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if len(entries) >= MaxPCRLogEvents {
			return nil, cvmerr.New(cvmerr.CorruptFormat, "events.Parse", fmt.Errorf("events log exceeds %d entries", MaxPCRLogEvents))
		}

		m := lineRE.FindStringSubmatch(line)
		if m == nil {
			return nil, cvmerr.New(cvmerr.CorruptFormat, "events.Parse", fmt.Errorf("malformed line %q", line))
		}
		pcr, err := strconv.Atoi(m[1])
		if err != nil || pcr < 0 || pcr > 23 {
			return nil, cvmerr.New(cvmerr.CorruptFormat, "events.Parse", fmt.Errorf("pcr number out of range in %q", line))
		}

		var e Entry
		e.PCR = pcr
		switch m[2] {
		case "string":
			e.Type = TypeString
			payload := m[3]
			if strings.HasPrefix(payload, identityPrefix) {
				canon, err := canonicalizeIdentity(payload, signerHex)
				if err != nil {
					return nil, err
				}
				payload = canon
				identitySeen = true
			}
			e.Payload = []byte(payload)
		case "binary":
			e.Type = TypeBinary
			decoded, err := hex.DecodeString(m[3])
			if err != nil {
				return nil, cvmerr.New(cvmerr.CorruptFormat, "events.Parse", fmt.Errorf("invalid hex payload in %q: %w", line, err))
			}
			e.Payload = decoded
		}

		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, cvmerr.New(cvmerr.IoError, "events.Parse", err)
	}
	if !identitySeen {
		return nil, cvmerr.New(cvmerr.CorruptFormat, "events.Parse", fmt.Errorf("no os-image-identity entry found"))
	}

	return entries, nil
}

// canonicalizeIdentity decodes the synthesized `{ <payload> }` object,
// overwrites its signer field, validates it against identitySchema,
// and reformats to the fixed key-ordered, whitespace-free form spec
// §4.7 requires.
func canonicalizeIdentity(payload, signerHex string) (string, error) {
	synthesized := "{" + payload + "}"

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(synthesized), &raw); err != nil {
		return "", cvmerr.New(cvmerr.CorruptFormat, "events.canonicalizeIdentity", fmt.Errorf("invalid os-image-identity JSON: %w", err))
	}
	inner, ok := raw["os-image-identity"].(map[string]interface{})
	if !ok {
		return "", cvmerr.New(cvmerr.CorruptFormat, "events.canonicalizeIdentity", fmt.Errorf("os-image-identity is not an object"))
	}
	inner["signer"] = signerHex

	if err := identitySchema.Validate(inner); err != nil {
		return "", cvmerr.New(cvmerr.CorruptFormat, "events.canonicalizeIdentity", fmt.Errorf("os-image-identity schema validation: %w", err))
	}

	svn, _ := inner["svn"].(string)
	diskID, _ := inner["diskId"].(string)
	eventVersion, _ := inner["eventVersion"].(string)

	canon := fmt.Sprintf(`"os-image-identity":{"signer":%q,"svn":%q,"diskId":%q,"eventVersion":%q}`, signerHex, svn, diskID, eventVersion)
	return canon, nil
}

// DigestOf returns SHA-256 of the entry's measured bytes: for a
// string entry, the payload plus its implicit trailing NUL (spec
// §4.7); for a binary entry, the decoded bytes verbatim.
func (e Entry) DigestOf() [32]byte {
	if e.Type == TypeString {
		buf := make([]byte, len(e.Payload)+1)
		copy(buf, e.Payload)
		return sha256.Sum256(buf)
	}
	return sha256.Sum256(e.Payload)
}
