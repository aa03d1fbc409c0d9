package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidCoupon        = errors.New("coupon not issuable")
	ErrSoldOut              = errors.New("coupon sold out")
	ErrLockTimeout          = errors.New("lock acquisition timed out")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrInsufficientPoints   = errors.New("insufficient point balance")
	ErrCouponNotUsable      = errors.New("coupon not usable")
	ErrOrderNotPayable      = errors.New("order not payable")
	ErrAdmissionUnavailable = errors.New("admission cache unavailable")
)

// IssueResult is the outcome of an admission request. Rejections are
// business outcomes returned to the caller, not errors.
type IssueResult string

const (
	IssueAdmitted      IssueResult = "ADMITTED"
	IssueAlreadyIssued IssueResult = "ALREADY_ISSUED"
	IssueSoldOut       IssueResult = "SOLD_OUT"
	IssueInvalidCoupon IssueResult = "INVALID_COUPON"
)
