package sparse

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
)

// Descriptor is the parsed text metadata block: key="value" lines plus one
// extent-description line per file in the form
//
//	ACCESS SIZE TYPE "FILENAME" [OFFSET]
type Descriptor struct {
	Version            int
	Encoding           string
	CID                uint32
	ParentCID          uint32
	CreateType         string
	ParentFileNameHint string

	Extents []ExtentLine

	// DDB carries the disk-database lines verbatim (geometry and the
	// like) so a rewrite preserves them.
	DDB []string
}

// ExtentLine is one extent-description line.
type ExtentLine struct {
	Access   string // RW, RDONLY, NOACCESS
	Sectors  int64
	Type     string // SPARSE, FLAT, VMFS, VMFSRAW, VMFSSPARSE, ZERO
	Filename string
	Offset   int64 // flat types only
}

// descriptorProbe reports whether buf begins like a text descriptor:
// optional comment/blank lines followed by a version=1 or version=2 line.
func descriptorProbe(buf []byte) bool {
	for _, line := range bytes.Split(buf, []byte("\n")) {
		trimmed := strings.TrimRight(string(line), "\r")
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.TrimSpace(trimmed) == "" {
			// Only blank space is allowed before the version line.
			if strings.Contains(trimmed, " ") && trimmed != strings.Repeat(" ", len(trimmed)) {
				return false
			}
			continue
		}
		return trimmed == "version=1" || trimmed == "version=2"
	}
	return false
}

// parseCID extracts the CID or parentCID value from descriptor text.
// Descriptors store them as hex without a 0x prefix.
func parseCID(value string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(value), 16, 32)
	if err != nil {
		return 0, blockerr.E(blockerr.KindFormat, "invalid CID value %q", value)
	}
	return uint32(v), nil
}

// extentFieldCount returns the required field count for an extent TYPE.
func extentFieldCount(typ string) (int, error) {
	switch typ {
	case "FLAT", "VMFS", "VMFSRAW":
		return 5, nil
	case "SPARSE", "VMFSSPARSE":
		return 4, nil
	case "ZERO":
		return 3, nil
	default:
		return 0, blockerr.E(blockerr.KindNotSupported, "extent type %q is not supported", typ)
	}
}

// ParseDescriptor decodes the text block. Unknown keys are ignored; extent
// lines are validated per type.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	// The descriptor area is zero padded; cut at the first NUL.
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	d := &Descriptor{Version: 1, ParentCID: 0xffffffff}
	inDDB := false
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			if strings.HasPrefix(trimmed, "#DDB") {
				inDDB = true
			}
			continue
		}
		if inDDB || strings.HasPrefix(trimmed, "ddb.") {
			d.DDB = append(d.DDB, trimmed)
			continue
		}
		if key, value, ok := strings.Cut(trimmed, "="); ok && !strings.ContainsAny(key, " \t") {
			value = strings.Trim(strings.TrimSpace(value), "\"")
			var err error
			switch strings.TrimSpace(key) {
			case "version":
				d.Version, err = strconv.Atoi(value)
			case "encoding":
				d.Encoding = value
			case "CID":
				d.CID, err = parseCID(value)
			case "parentCID":
				d.ParentCID, err = parseCID(value)
			case "createType":
				d.CreateType = value
			case "parentFileNameHint":
				d.ParentFileNameHint = value
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		ext, err := parseExtentLine(trimmed)
		if err != nil {
			return nil, err
		}
		d.Extents = append(d.Extents, ext)
	}
	if d.Version != 1 && d.Version != 2 {
		return nil, blockerr.E(blockerr.KindFormat, "unsupported descriptor version %d", d.Version)
	}
	return d, nil
}

func parseExtentLine(line string) (ExtentLine, error) {
	var ext ExtentLine
	fields := splitExtentFields(line)
	if len(fields) < 3 {
		return ext, blockerr.E(blockerr.KindFormat, "malformed extent line %q", line)
	}
	ext.Access = fields[0]
	sectors, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || sectors < 0 {
		return ext, blockerr.E(blockerr.KindFormat, "invalid extent size in %q", line)
	}
	ext.Sectors = sectors
	ext.Type = fields[2]

	want, err := extentFieldCount(ext.Type)
	if err != nil {
		return ext, err
	}
	if len(fields) != want {
		return ext, blockerr.E(blockerr.KindFormat,
			"extent line %q has %d fields, %s requires %d", line, len(fields), ext.Type, want)
	}
	if want >= 4 {
		ext.Filename = fields[3]
	}
	if want == 5 {
		off, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil || off < 0 {
			return ext, blockerr.E(blockerr.KindFormat, "invalid extent offset in %q", line)
		}
		ext.Offset = off
	}
	return ext, nil
}

// splitExtentFields splits an extent line on spaces, keeping a quoted
// filename as one field with the quotes stripped.
func splitExtentFields(line string) []string {
	var fields []string
	for len(line) > 0 {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			break
		}
		if line[0] == '"' {
			end := strings.IndexByte(line[1:], '"')
			if end < 0 {
				fields = append(fields, line[1:])
				break
			}
			fields = append(fields, line[1:1+end])
			line = line[end+2:]
			continue
		}
		sep := strings.IndexAny(line, " \t")
		if sep < 0 {
			fields = append(fields, line)
			break
		}
		fields = append(fields, line[:sep])
		line = line[sep+1:]
	}
	return fields
}

// Format renders the descriptor back into its text form.
func (d *Descriptor) Format() string {
	var b strings.Builder
	b.WriteString("# Disk DescriptorFile\n")
	fmt.Fprintf(&b, "version=%d\n", d.Version)
	if d.Encoding != "" {
		fmt.Fprintf(&b, "encoding=\"%s\"\n", d.Encoding)
	}
	fmt.Fprintf(&b, "CID=%x\n", d.CID)
	fmt.Fprintf(&b, "parentCID=%x\n", d.ParentCID)
	fmt.Fprintf(&b, "createType=\"%s\"\n", d.CreateType)
	if d.ParentFileNameHint != "" {
		fmt.Fprintf(&b, "parentFileNameHint=\"%s\"\n", d.ParentFileNameHint)
	}
	b.WriteString("\n# Extent description\n")
	for _, ext := range d.Extents {
		switch ext.Type {
		case "FLAT", "VMFS", "VMFSRAW":
			fmt.Fprintf(&b, "%s %d %s \"%s\" %d\n", ext.Access, ext.Sectors, ext.Type, ext.Filename, ext.Offset)
		case "ZERO":
			fmt.Fprintf(&b, "%s %d %s\n", ext.Access, ext.Sectors, ext.Type)
		default:
			fmt.Fprintf(&b, "%s %d %s \"%s\"\n", ext.Access, ext.Sectors, ext.Type, ext.Filename)
		}
	}
	b.WriteString("\n# The Disk Data Base\n#DDB\n\n")
	for _, line := range d.DDB {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
