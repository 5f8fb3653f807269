package har

// Archive is the root HAR object
type Archive struct {
	Log Log `json:"log"`
}

// Log holds the creator and all entries
type Log struct {
	Version string  `json:"version"`
	Creator Creator `json:"creator"`
	Entries []Entry `json:"entries"`
}

// Creator identifies the application that produced the archive
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Comment string `json:"comment,omitempty"`
}

// Entry represents a single HTTP transaction
type Entry struct {
	StartedDateTime string     `json:"startedDateTime"`
	Time            float64    `json:"time"`
	Request         Request    `json:"request"`
	Response        Response   `json:"response"`
	Cache           Cache      `json:"cache"`
	Timings         Timings    `json:"timings"`
	ServerIPAddress string     `json:"serverIPAddress,omitempty"`
	Error           *ErrorInfo `json:"_error,omitempty"` // custom field, HAR allows "_" prefixes
}

// Request represents the HTTP request details
type Request struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	HTTPVersion string      `json:"httpVersion"`
	Cookies     []Cookie    `json:"cookies"`
	Headers     []NameValue `json:"headers"`
	QueryString []NameValue `json:"queryString"`
	PostData    *PostData   `json:"postData,omitempty"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int         `json:"bodySize"`
}

// Response represents the HTTP response details
type Response struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Cookies     []Cookie    `json:"cookies"`
	Headers     []NameValue `json:"headers"`
	Content     Content     `json:"content"`
	RedirectURL string      `json:"redirectURL"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int         `json:"bodySize"`
}

// Cookie is part of the format but never populated; cookies are not modeled.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NameValue represents a name-value pair for headers and query parameters
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PostData represents a request body
type PostData struct {
	MimeType string      `json:"mimeType"`
	Params   []NameValue `json:"params"`
	Text     string      `json:"text"`
	Encoding string      `json:"encoding,omitempty"`
}

// Content represents a response body
type Content struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// Cache is always empty; cache metadata is not modeled.
type Cache struct{}

// Timings only distinguishes the wait phase.
type Timings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// ErrorInfo carries a recorded transport failure.
type ErrorInfo struct {
	Description string `json:"description"`
	Domain      string `json:"domain"`
	Code        int    `json:"code"`
}
