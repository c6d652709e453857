package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldQuery      = "query"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldUserAgent  = "user_agent"
	FieldSuccess    = "success"
	FieldError      = "error"
	FieldOperation  = "operation"

	FieldDataset   = "dataset"
	FieldFeed      = "feed"
	FieldRecords   = "records"
	FieldCoerced   = "coerced"
	FieldSequence  = "sequence"
	FieldSearch    = "search"
	FieldRecordID  = "record_id"
	FieldVendor    = "vendor"
	FieldFlowType  = "flow_type"
	FieldAmount    = "amount"
	FieldStep      = "step"
	FieldObjectKey = "object_key"
	FieldURI       = "uri"
	FieldBackend   = "backend"
	FieldStatus    = "status"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentPublisher = "publisher"
	ComponentFeed      = "feed"
	ComponentAMQP      = "amqp"
	ComponentNATS      = "nats"
	ComponentSheets    = "sheets"
	ComponentLedger    = "ledger"
	ComponentDocstore  = "docstore"
	ComponentFlows     = "flows"
	ComponentExport    = "export"
	ComponentRateLimit = "rate_limit"
	ComponentBackend   = "backend"
	ComponentCLI       = "cli"
)

// Operations defines standard operation names
const (
	OpSubmit    = "submit"
	OpSteps     = "update_steps"
	OpAttach    = "attach"
	OpAnnounce  = "announce"
	OpSnapshot  = "snapshot"
	OpRecompute = "recompute"
	OpSubscribe = "subscribe"
	OpUpload    = "upload"
	OpMigrate   = "migrate"
	OpExport    = "export"
	OpValidate  = "validate"
	OpDecode    = "decode"
	OpStartup   = "startup"
	OpShutdown  = "shutdown"
	OpLineage   = "lineage"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds the error field; nil errors are skipped.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithFlow adds the identifying fields of a budget flow record.
func (f LogFields) WithFlow(id, vendor, flowType, amount string) LogFields {
	f[FieldRecordID] = id
	f[FieldVendor] = vendor
	f[FieldFlowType] = flowType
	f[FieldAmount] = amount
	return f
}

// WithSnapshot adds dataset snapshot fields.
func (f LogFields) WithSnapshot(dataset string, records, coerced int) LogFields {
	f[FieldDataset] = dataset
	f[FieldRecords] = records
	f[FieldCoerced] = coerced
	return f
}

func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to key/value pairs for slog.
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
