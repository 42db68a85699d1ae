package schema

import "strings"

func init() {
	Register(Event{Key: "audit", Label: "Audit Log", Fields: AuditFieldSpecs})
	Register(Event{Key: "system", Label: "System Log", Fields: SystemFieldSpecs})
	Register(Event{Key: "security", Label: "Security Events", Fields: SecurityFieldSpecs})
	Register(Event{Key: "convis", Label: "Connection Visibility", Fields: ConvisFieldSpecs})
}

// AuditFieldSpecs defines the columns of audit.log.
var AuditFieldSpecs = []FieldSpec{
	{Name: "index", Type: FieldInt},
	{Name: "date", Type: FieldText},
	{Name: "host", Type: FieldText},
	{Name: "access", Type: FieldInt},
	{Name: "type", Type: FieldText},
	{Name: "address", Type: FieldText},
	{Name: "category", Type: FieldText},
	{Name: "result", Type: FieldText},
	{Name: "user", Type: FieldText},
	{Name: "message", Type: FieldText},
}

// SystemFieldSpecs defines the columns of system.log and sys.log.
var SystemFieldSpecs = []FieldSpec{
	{Name: "index", Type: FieldInt},
	{Name: "date", Type: FieldText},
	{Name: "host", Type: FieldText},
	{Name: "severity", Type: FieldText, Normalizer: NormalizeSeverity},
	{Name: "message", Type: FieldText},
}

// SecurityFieldSpecs defines the columns shared by the IPS and reputation
// alert and block logs.
var SecurityFieldSpecs = []FieldSpec{
	{Name: "index", Type: FieldInt},
	{Name: "timestamp", Type: FieldText},
	{Name: "host", Type: FieldText},
	{Name: "version", Type: FieldText},
	{Name: "policyUuid", Type: FieldText},
	{Name: "severity", Type: FieldText},
	{Name: "signatureUuid", Type: FieldText},
	{Name: "protocol", Type: FieldText},
	{Name: "sourceIp", Type: FieldText},
	{Name: "sourcePort", Type: FieldInt, AllowEmpty: true},
	{Name: "destinationIp", Type: FieldText},
	{Name: "destinationPort", Type: FieldInt, AllowEmpty: true},
	{Name: "hitCount", Type: FieldInt, AllowEmpty: true},
	{Name: "vlan", Type: FieldInt, AllowEmpty: true},
	{Name: "period", Type: FieldInt, AllowEmpty: true},
	{Name: "messageParams", Type: FieldText},
	{Name: "traceVer", Type: FieldText},
	{Name: "bucketId", Type: FieldInt, AllowEmpty: true},
	{Name: "seqBegin", Type: FieldInt, AllowEmpty: true},
	{Name: "seqEnd", Type: FieldInt, AllowEmpty: true},
	{Name: "qaction", Type: FieldText},
	{Name: "actionType", Type: FieldText},
	{Name: "actionSetUuid", Type: FieldText},
	{Name: "rateLimitRate", Type: FieldInt, AllowEmpty: true},
	{Name: "inIface", Type: FieldText},
	{Name: "outIface", Type: FieldText},
	{Name: "virtualSegment", Type: FieldText},
	{Name: "clientIp", Type: FieldText},
	{Name: "uriMetaData", Type: FieldText},
}

// ConvisFieldSpecs defines the columns of the connection visibility log.
var ConvisFieldSpecs = []FieldSpec{
	{Name: "time", Type: FieldText},
	{Name: "ipType", Type: FieldEnum, EnumValues: []string{"ipv4", "ipv6"}, Normalizer: strings.ToLower},
	{Name: "sourceIp", Type: FieldText},
	{Name: "sourcePort", Type: FieldInt, AllowEmpty: true},
	{Name: "destinationIp", Type: FieldText},
	{Name: "destinationPort", Type: FieldInt, AllowEmpty: true},
	{Name: "protocol", Type: FieldText},
	{Name: "extra1", Type: FieldInt, AllowEmpty: true},
	{Name: "extra2", Type: FieldInt, AllowEmpty: true},
	{Name: "extra3", Type: FieldInt, AllowEmpty: true},
	{Name: "totalDrop", Type: FieldInt, AllowEmpty: true},
}

// NormalizeSeverity strips the trailing colon the system log writes after
// the facility tag ("TOSPORT-INFO:" becomes "TOSPORT-INFO").
func NormalizeSeverity(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ":")
}
