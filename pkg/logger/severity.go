package logger

// Severity :
// Describes the various available log severities that can be
// used in conjunction with the logger interface.
type Severity int

// Defines the possible severities ordered by increasing level
// of importance.
const (
	Verbose Severity = iota
	Debug
	Info
	Notice
	Warning
	Error
	Critical
	Fatal
)

// String :
// Provides a string value from the input severity identifier.
// This is very useful when actually producing the logs for a
// given severity.
//
// Returns the string representing the input log severity.
func (s Severity) String() string {
	return [...]string{
		"verbose",
		"debug",
		"info",
		"notice",
		"warning",
		"error",
		"critical",
		"fatal",
	}[s]
}

// severityFromString :
// Performs the reverse conversion of the `String` method by
// interpreting the input string as a severity value. In case
// the string does not correspond to any known severity the
// `Info` value is used.
//
// The `str` defines the string to convert to a severity.
//
// Returns the severity matching the input string.
func severityFromString(str string) Severity {
	switch str {
	case "verbose":
		return Verbose
	case "debug":
		return Debug
	case "info":
		return Info
	case "notice":
		return Notice
	case "warning":
		return Warning
	case "error":
		return Error
	case "critical":
		return Critical
	case "fatal":
		return Fatal
	}

	return Info
}

// color :
// Associates a display color to the input severity so that
// the logs are easier to analyze when displayed in a console.
//
// Returns the color associated to this severity.
func (s Severity) color() Color {
	switch s {
	case Verbose, Debug:
		return Grey
	case Info:
		return Green
	case Notice:
		return Cyan
	case Warning:
		return Yellow
	case Error, Critical:
		return Red
	case Fatal:
		return Magenta
	}

	return White
}
