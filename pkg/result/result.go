// Package result defines the ApnResult taxonomy and the Response
// Classifier that maps an HTTP status code and response body to it.
package result

import (
	"encoding/json"
	"strconv"

	"github.com/brineforge/apnsession/pkg/errors"
)

// FatalReason enumerates the permanent-failure reasons APNs reports for
// statuses 400, 403, 405, 410, and 413.
type FatalReason string

const (
	FatalBadCollapseId             FatalReason = "BadCollapseId"
	FatalBadDeviceToken             FatalReason = "BadDeviceToken"
	FatalBadExpirationDate          FatalReason = "BadExpirationDate"
	FatalBadMessageId               FatalReason = "BadMessageId"
	FatalBadPriority                FatalReason = "BadPriority"
	FatalBadTopic                   FatalReason = "BadTopic"
	FatalDeviceTokenNotForTopic     FatalReason = "DeviceTokenNotForTopic"
	FatalDuplicateHeaders           FatalReason = "DuplicateHeaders"
	FatalIdleTimeout                FatalReason = "IdleTimeout"
	FatalMissingDeviceToken         FatalReason = "MissingDeviceToken"
	FatalMissingTopic               FatalReason = "MissingTopic"
	FatalPayloadEmpty               FatalReason = "PayloadEmpty"
	FatalTopicDisallowed            FatalReason = "TopicDisallowed"
	FatalBadCertificate             FatalReason = "BadCertificate"
	FatalBadCertificateEnvironment  FatalReason = "BadCertificateEnvironment"
	FatalExpiredProviderToken       FatalReason = "ExpiredProviderToken"
	FatalForbidden                  FatalReason = "Forbidden"
	FatalInvalidProviderToken       FatalReason = "InvalidProviderToken"
	FatalMissingProviderToken       FatalReason = "MissingProviderToken"
	FatalBadPath                    FatalReason = "BadPath"
	FatalMethodNotAllowed           FatalReason = "MethodNotAllowed"
	FatalUnregistered               FatalReason = "Unregistered"
	FatalPayloadTooLarge            FatalReason = "PayloadTooLarge"
)

// knownFatalReasons is the exhaustive set of permanent-failure reasons APNs documents.
var knownFatalReasons = map[string]FatalReason{
	string(FatalBadCollapseId):            FatalBadCollapseId,
	string(FatalBadDeviceToken):           FatalBadDeviceToken,
	string(FatalBadExpirationDate):        FatalBadExpirationDate,
	string(FatalBadMessageId):             FatalBadMessageId,
	string(FatalBadPriority):              FatalBadPriority,
	string(FatalBadTopic):                 FatalBadTopic,
	string(FatalDeviceTokenNotForTopic):   FatalDeviceTokenNotForTopic,
	string(FatalDuplicateHeaders):         FatalDuplicateHeaders,
	string(FatalIdleTimeout):              FatalIdleTimeout,
	string(FatalMissingDeviceToken):       FatalMissingDeviceToken,
	string(FatalMissingTopic):             FatalMissingTopic,
	string(FatalPayloadEmpty):             FatalPayloadEmpty,
	string(FatalTopicDisallowed):          FatalTopicDisallowed,
	string(FatalBadCertificate):           FatalBadCertificate,
	string(FatalBadCertificateEnvironment): FatalBadCertificateEnvironment,
	string(FatalExpiredProviderToken):     FatalExpiredProviderToken,
	string(FatalForbidden):                FatalForbidden,
	string(FatalInvalidProviderToken):     FatalInvalidProviderToken,
	string(FatalMissingProviderToken):     FatalMissingProviderToken,
	string(FatalBadPath):                  FatalBadPath,
	string(FatalMethodNotAllowed):         FatalMethodNotAllowed,
	string(FatalUnregistered):             FatalUnregistered,
	string(FatalPayloadTooLarge):          FatalPayloadTooLarge,
}

// TemporaryReason enumerates the transient-failure reasons APNs reports
// for statuses 429, 500, and 503.
type TemporaryReason string

const (
	TempTooManyProviderTokenUpdates TemporaryReason = "TooManyProviderTokenUpdates"
	TempTooManyRequests             TemporaryReason = "TooManyRequests"
	TempInternalServerError         TemporaryReason = "InternalServerError"
	TempServiceUnavailable          TemporaryReason = "ServiceUnavailable"
	TempShutdown                    TemporaryReason = "Shutdown"
)

var knownTemporaryReasons = map[string]TemporaryReason{
	string(TempTooManyProviderTokenUpdates): TempTooManyProviderTokenUpdates,
	string(TempTooManyRequests):             TempTooManyRequests,
	string(TempInternalServerError):         TempInternalServerError,
	string(TempServiceUnavailable):          TempServiceUnavailable,
	string(TempShutdown):                    TempShutdown,
}

// Kind discriminates the ApnResult sum type's branch.
type Kind int

const (
	KindOk Kind = iota
	KindBackoff
	KindFatal
	KindTemporary
	KindIoError
	KindClientError
)

// ApnResult is the outcome of a single notification send.
type ApnResult struct {
	Kind Kind

	// Set when Kind == KindFatal.
	FatalReason FatalReason
	// FatalOther carries the raw reason text when FatalReason is unknown
	// (the Fatal(Other(text)) variant).
	FatalOther string
	fatalIsOther bool

	// Set when Kind == KindTemporary.
	TemporaryReason TemporaryReason
	// TemporaryOther carries the raw reason text for an unrecognized
	// reason string at a known-temporary status, rather than surfacing
	// it as a client error.
	TemporaryOther string
	temporaryIsOther bool

	// Set when Kind == KindIoError or KindClientError.
	Err error
}

// Ok builds the Ok result.
func Ok() ApnResult { return ApnResult{Kind: KindOk} }

// Backoff builds the Backoff result.
func Backoff() ApnResult { return ApnResult{Kind: KindBackoff} }

// Fatal builds a Fatal result for a known reason.
func Fatal(r FatalReason) ApnResult { return ApnResult{Kind: KindFatal, FatalReason: r} }

// FatalOtherResult builds a Fatal(Other(text)) result.
func FatalOtherResult(text string) ApnResult {
	return ApnResult{Kind: KindFatal, FatalOther: text, fatalIsOther: true}
}

// IsFatalOther reports whether this Fatal result carries an unrecognized
// reason string rather than a named FatalReason.
func (r ApnResult) IsFatalOther() bool { return r.fatalIsOther }

// Temporary builds a Temporary result for a known reason.
func Temporary(r TemporaryReason) ApnResult { return ApnResult{Kind: KindTemporary, TemporaryReason: r} }

// TemporaryOtherResult builds a Temporary(Other(text)) result for a reason
// string APNs hasn't documented yet.
func TemporaryOtherResult(text string) ApnResult {
	return ApnResult{Kind: KindTemporary, TemporaryOther: text, temporaryIsOther: true}
}

// IsTemporaryOther reports whether this Temporary result carries an
// unrecognized reason string.
func (r ApnResult) IsTemporaryOther() bool { return r.temporaryIsOther }

// IoError builds an IoError result.
func IoError(err error) ApnResult { return ApnResult{Kind: KindIoError, Err: err} }

// ClientError builds a ClientError result.
func ClientError(err error) ApnResult { return ApnResult{Kind: KindClientError, Err: err} }

// reasonBody is the shape of an APNs JSON error body.
type reasonBody struct {
	Reason string `json:"reason"`
}

// Classify maps an HTTP status code and raw response body to an ApnResult.
func Classify(status int, body []byte) ApnResult {
	if status == 200 {
		return Ok()
	}

	switch status {
	case 400, 403, 405, 410, 413:
		reason, err := decodeReason(body)
		if err != nil {
			return ClientError(errors.NewProtocolError("decoding APNs error body", err))
		}
		if known, ok := knownFatalReasons[reason]; ok {
			return Fatal(known)
		}
		return FatalOtherResult(reason)

	case 429, 500, 503:
		reason, err := decodeReason(body)
		if err != nil {
			return ClientError(errors.NewProtocolError("decoding APNs error body", err))
		}
		if known, ok := knownTemporaryReasons[reason]; ok {
			return Temporary(known)
		}
		// An unrecognized reason at a known-temporary status is still
		// treated as temporary rather than surfaced as a client error,
		// so callers get a retry signal even for a reason APNs adds later.
		return TemporaryOtherResult(reason)

	default:
		return FatalOtherResult("unhandled status: " + strconv.Itoa(status))
	}
}

func decodeReason(body []byte) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	var rb reasonBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return "", err
	}
	return rb.Reason, nil
}
