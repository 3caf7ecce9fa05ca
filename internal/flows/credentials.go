package flows

import (
	"context"
	"errors"
	"strings"
)

// CredentialFailureKind classifies why a credential check failed.
type CredentialFailureKind int

const (
	CredentialFailureNone CredentialFailureKind = iota
	CredentialFailureNotFound
	CredentialFailureBadPassword
	CredentialFailureNoPasswordSet
	CredentialFailureInactive
	CredentialFailureBackend
)

func (k CredentialFailureKind) String() string {
	switch k {
	case CredentialFailureNone:
		return "none"
	case CredentialFailureNotFound:
		return "not_found"
	case CredentialFailureBadPassword:
		return "bad_password"
	case CredentialFailureNoPasswordSet:
		return "no_password_set"
	case CredentialFailureInactive:
		return "inactive"
	default:
		return "backend"
	}
}

// CredentialResult is the outcome of VerifyCredentials. Found is true when
// an account matched the identifier, even if the check then failed.
type CredentialResult struct {
	Failure CredentialFailureKind
	Err     error
	Account AccountRecord
	Found   bool
}

type PasswordVerifier interface {
	Verify(password, encoded string) (bool, error)
	VerifyDummy(password string)
}

// CredentialDeps captures credential-check dependencies.
type CredentialDeps struct {
	Accounts        AccountReader
	Passwords       PasswordVerifier
	AccountNotFound error
}

// VerifyCredentials resolves identifier and checks password against it.
// A password hash comparison runs on every path that reaches the store, so
// timing does not reveal whether the account exists. It never writes.
func VerifyCredentials(ctx context.Context, identifier, password string, deps CredentialDeps) CredentialResult {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		deps.Passwords.VerifyDummy(password)
		return CredentialResult{Failure: CredentialFailureNotFound}
	}

	account, err := deps.Accounts.FindByIdentifier(ctx, identifier)
	if err != nil {
		if deps.AccountNotFound != nil && errors.Is(err, deps.AccountNotFound) {
			deps.Passwords.VerifyDummy(password)
			return CredentialResult{Failure: CredentialFailureNotFound}
		}
		return CredentialResult{Failure: CredentialFailureBackend, Err: err}
	}

	if account.PasswordHash == "" {
		deps.Passwords.VerifyDummy(password)
		return CredentialResult{Failure: CredentialFailureNoPasswordSet, Account: account, Found: true}
	}

	ok, err := deps.Passwords.Verify(password, account.PasswordHash)
	if err != nil || !ok {
		return CredentialResult{Failure: CredentialFailureBadPassword, Err: err, Account: account, Found: true}
	}

	if !account.Active {
		return CredentialResult{Failure: CredentialFailureInactive, Account: account, Found: true}
	}

	return CredentialResult{Account: account, Found: true}
}

// ResolveTrusted looks up an identity already authenticated elsewhere.
func ResolveTrusted(ctx context.Context, identifier string, deps CredentialDeps) CredentialResult {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return CredentialResult{Failure: CredentialFailureNotFound}
	}

	account, err := deps.Accounts.FindByIdentifier(ctx, identifier)
	if err != nil {
		if deps.AccountNotFound != nil && errors.Is(err, deps.AccountNotFound) {
			return CredentialResult{Failure: CredentialFailureNotFound}
		}
		return CredentialResult{Failure: CredentialFailureBackend, Err: err}
	}
	if !account.Active {
		return CredentialResult{Failure: CredentialFailureInactive, Account: account, Found: true}
	}
	return CredentialResult{Account: account, Found: true}
}
