package request

import (
	"strings"

	"github.com/google/uuid"

	"github.com/fly-io/diskprov/pkg/errors"
)

// BasicDataGUID is the default partition type.
const BasicDataGUID = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"

// PartitionType is a resolved partition-type token: the GPT type GUID and the
// closest MBR system id.
type PartitionType struct {
	Alias string
	GUID  string
	MBR   byte
}

var partitionAliases = map[string]PartitionType{
	"basic":    {Alias: "basic", GUID: BasicDataGUID, MBR: 0x07},
	"efi":      {Alias: "efi", GUID: "C12A7328-F81F-11D2-BA4B-00A0C93EC93B", MBR: 0xEF},
	"msr":      {Alias: "msr", GUID: "E3C9E316-0B5C-4DB8-817D-F92DF00215AE", MBR: 0x0C},
	"recovery": {Alias: "recovery", GUID: "DE94BBA4-06D1-4D40-A16A-BFD50179D6AC", MBR: 0x27},
	"linux":    {Alias: "linux", GUID: "0FC63DAF-8483-4772-8E79-3D69D8477DE4", MBR: 0x83},
	"swap":     {Alias: "swap", GUID: "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F", MBR: 0x82},
	"lvm":      {Alias: "lvm", GUID: "E6D6D379-F507-44C2-A23C-238F2A3DF928", MBR: 0x8E},
}

// ResolvePartitionType turns an alias or a GUID (braces optional) into a type.
// Empty means basic data. Anything else is an invalid request.
func ResolvePartitionType(token string) (PartitionType, error) {
	t := strings.ToLower(strings.TrimSpace(token))
	if t == "" {
		return partitionAliases["basic"], nil
	}
	if pt, ok := partitionAliases[t]; ok {
		return pt, nil
	}

	id, err := uuid.Parse(t)
	if err != nil {
		return PartitionType{}, errors.Invalid("unknown partition type %q: not an alias or GUID", token)
	}
	guid := strings.ToUpper(id.String())
	for _, pt := range partitionAliases {
		if pt.GUID == guid {
			return pt, nil
		}
	}
	// Unknown GUIDs have no MBR equivalent; 0x07 keeps MBR disks usable.
	return PartitionType{GUID: guid, MBR: 0x07}, nil
}
