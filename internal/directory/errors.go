package directory

import (
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// Result descriptions used throughout the service. They follow the
// camelCase names of RFC 4511 section 4.1.9.
const (
	DescSuccess                  = "success"
	DescEntryAlreadyExists       = "entryAlreadyExists"
	DescInsufficientAccessRights = "insufficientAccessRights"
	DescNoSuchObject             = "noSuchObject"
	DescInvalidDNSyntax          = "invalidDNSyntax"
	DescProtocolError            = "protocolError"
)

var ErrPoolNotFound = errors.New("server pool not found")

var resultDescriptions = map[uint16]string{
	ldap.LDAPResultSuccess:                            DescSuccess,
	ldap.LDAPResultOperationsError:                    "operationsError",
	ldap.LDAPResultProtocolError:                      DescProtocolError,
	ldap.LDAPResultTimeLimitExceeded:                  "timeLimitExceeded",
	ldap.LDAPResultSizeLimitExceeded:                  "sizeLimitExceeded",
	ldap.LDAPResultCompareFalse:                       "compareFalse",
	ldap.LDAPResultCompareTrue:                        "compareTrue",
	ldap.LDAPResultAuthMethodNotSupported:             "authMethodNotSupported",
	ldap.LDAPResultStrongAuthRequired:                 "strongerAuthRequired",
	ldap.LDAPResultReferral:                           "referral",
	ldap.LDAPResultAdminLimitExceeded:                 "adminLimitExceeded",
	ldap.LDAPResultUnavailableCriticalExtension:       "unavailableCriticalExtension",
	ldap.LDAPResultConfidentialityRequired:            "confidentialityRequired",
	ldap.LDAPResultSaslBindInProgress:                 "saslBindInProgress",
	ldap.LDAPResultNoSuchAttribute:                    "noSuchAttribute",
	ldap.LDAPResultUndefinedAttributeType:             "undefinedAttributeType",
	ldap.LDAPResultInappropriateMatching:              "inappropriateMatching",
	ldap.LDAPResultConstraintViolation:                "constraintViolation",
	ldap.LDAPResultAttributeOrValueExists:             "attributeOrValueExists",
	ldap.LDAPResultInvalidAttributeSyntax:             "invalidAttributeSyntax",
	ldap.LDAPResultNoSuchObject:                       DescNoSuchObject,
	ldap.LDAPResultAliasProblem:                       "aliasProblem",
	ldap.LDAPResultInvalidDNSyntax:                    DescInvalidDNSyntax,
	ldap.LDAPResultIsLeaf:                             "isLeaf",
	ldap.LDAPResultAliasDereferencingProblem:          "aliasDereferencingProblem",
	ldap.LDAPResultInappropriateAuthentication:        "inappropriateAuthentication",
	ldap.LDAPResultInvalidCredentials:                 "invalidCredentials",
	ldap.LDAPResultInsufficientAccessRights:           DescInsufficientAccessRights,
	ldap.LDAPResultBusy:                               "busy",
	ldap.LDAPResultUnavailable:                        "unavailable",
	ldap.LDAPResultUnwillingToPerform:                 "unwillingToPerform",
	ldap.LDAPResultLoopDetect:                         "loopDetected",
	ldap.LDAPResultSortControlMissing:                 "sortControlMissing",
	ldap.LDAPResultOffsetRangeError:                   "offsetRangeError",
	ldap.LDAPResultNamingViolation:                    "namingViolation",
	ldap.LDAPResultObjectClassViolation:               "objectClassViolation",
	ldap.LDAPResultNotAllowedOnNonLeaf:                "notAllowedOnNonLeaf",
	ldap.LDAPResultNotAllowedOnRDN:                    "notAllowedOnRDN",
	ldap.LDAPResultEntryAlreadyExists:                 DescEntryAlreadyExists,
	ldap.LDAPResultObjectClassModsProhibited:          "objectClassModsProhibited",
	ldap.LDAPResultResultsTooLarge:                    "resultsTooLarge",
	ldap.LDAPResultAffectsMultipleDSAs:                "affectsMultipleDSAs",
	ldap.LDAPResultVirtualListViewErrorOrControlError: "virtualListViewError",
	ldap.LDAPResultOther:                              "other",
	ldap.LDAPResultServerDown:                         "serverDown",
	ldap.LDAPResultLocalError:                         "localError",
	ldap.LDAPResultEncodingError:                      "encodingError",
	ldap.LDAPResultDecodingError:                      "decodingError",
	ldap.LDAPResultTimeout:                            "timeout",
	ldap.LDAPResultAuthUnknown:                        "authUnknown",
	ldap.LDAPResultFilterError:                        "filterError",
	ldap.LDAPResultUserCanceled:                       "userCanceled",
	ldap.LDAPResultParamError:                         "paramError",
	ldap.LDAPResultNoMemory:                           "noMemory",
	ldap.LDAPResultConnectError:                       "connectError",
	ldap.LDAPResultNotSupported:                       "notSupported",
	ldap.LDAPResultControlNotFound:                    "controlNotFound",
	ldap.LDAPResultNoResultsReturned:                  "noResultsReturned",
	ldap.LDAPResultMoreResultsToReturn:                "moreResultsToReturn",
	ldap.LDAPResultClientLoop:                         "clientLoop",
	ldap.LDAPResultReferralLimitExceeded:              "referralLimitExceeded",
	ldap.LDAPResultCanceled:                           "canceled",
	ldap.LDAPResultNoSuchOperation:                    "noSuchOperation",
	ldap.LDAPResultTooLate:                            "tooLate",
	ldap.LDAPResultCannotCancel:                       "cannotCancel",
	ldap.LDAPResultAssertionFailed:                    "assertionFailed",
	ldap.LDAPResultAuthorizationDenied:                "authorizationDenied",
	ldap.ErrorFilterCompile:                           "filterError",
	ldap.ErrorFilterDecompile:                         "filterError",
	ldap.ErrorUnexpectedMessage:                       "protocolError",
	ldap.ErrorUnexpectedResponse:                      "protocolError",
	ldap.ErrorEmptyPassword:                           "invalidCredentials",
}

// Description returns the protocol name of a result code.
func Description(code uint16) string {
	if d, ok := resultDescriptions[code]; ok {
		return d
	}
	return fmt.Sprintf("unknown(%d)", code)
}

// Result is the outcome of one directory operation as the server (or the
// mock) reported it.
type Result struct {
	Code        uint16
	Description string
	Message     string
	MatchedDN   string
	// Cookie carries the paged search cursor, empty on the last page.
	Cookie []byte
}

func (r Result) Success() bool {
	return r.Code == ldap.LDAPResultSuccess
}

func newResult(code uint16, message string) Result {
	return Result{Code: code, Description: Description(code), Message: message}
}

func successResult() Result {
	return newResult(ldap.LDAPResultSuccess, "")
}

// ConnectionError reports a directory that could not be reached, bound or
// talked to. It is never a protocol result.
type ConnectionError struct {
	Server   string
	Endpoint string
	Op       string
	Cause    error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("ldap %s on %s (%s): %v", e.Op, e.Server, e.Endpoint, e.Cause)
	}
	return fmt.Sprintf("ldap %s on %s: %v", e.Op, e.Server, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// classifyError splits an error returned by the protocol client into a
// protocol result, or a transport failure when no result code applies.
func classifyError(err error) (Result, bool) {
	if err == nil {
		return successResult(), true
	}
	if errors.Is(err, ldap.ErrSizeLimitExceeded) {
		return newResult(ldap.LDAPResultSizeLimitExceeded, err.Error()), true
	}
	var lerr *ldap.Error
	if !errors.As(err, &lerr) || lerr.ResultCode == ldap.ErrorNetwork {
		return Result{}, false
	}
	msg := ""
	if lerr.Err != nil {
		msg = lerr.Err.Error()
	}
	r := newResult(lerr.ResultCode, msg)
	r.MatchedDN = lerr.MatchedDN
	return r, true
}
