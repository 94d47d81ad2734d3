// Package errors provides structured error handling for the progression engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Build validation errors
	CodeBuildValidationFailed Code = "BUILD_VALIDATION_FAILED"
	CodeBuildFeatOverBudget   Code = "BUILD_FEAT_OVER_BUDGET"
	CodeBuildTalentOverBudget Code = "BUILD_TALENT_OVER_BUDGET"
	CodeBuildAbilityOverSpend Code = "BUILD_ABILITY_OVER_SPEND"
	CodeBuildPointBuyExceeded Code = "BUILD_POINT_BUY_EXCEEDED"
	CodeBuildSkillOverBudget  Code = "BUILD_SKILL_OVER_BUDGET"
	CodeBuildHouseRuleFailed  Code = "BUILD_HOUSE_RULE_FAILED"

	// Session lifecycle errors
	CodeSessionCommitInProgress Code = "SESSION_COMMIT_IN_PROGRESS"
	CodeSessionAlreadyCommitted Code = "SESSION_ALREADY_COMMITTED"
	CodeSessionRolledBack       Code = "SESSION_ROLLED_BACK"
	CodeSessionNoChanges        Code = "SESSION_NO_CHANGES"

	// Governance errors
	CodeMutationUnauthorized   Code = "MUTATION_UNAUTHORIZED"
	CodeTransactionActive      Code = "TRANSACTION_ALREADY_ACTIVE"
	CodeTransactionInvariant   Code = "TRANSACTION_INVARIANT_VIOLATION"
	CodeAuthorityAlreadyIssued Code = "AUTHORITY_ALREADY_ISSUED"
	CodeAuthorityRequired      Code = "AUTHORITY_REQUIRED"

	// Applier errors
	CodeApplyPartialFailure Code = "APPLY_PARTIAL_FAILURE"
	CodeApplyRootFailed     Code = "APPLY_ROOT_FAILED"

	// Step flow errors
	CodeStepUnavailable Code = "STEP_UNAVAILABLE"
	CodeStepUnknown     Code = "STEP_UNKNOWN"

	// Sheet errors
	CodeSheetUnknownPath    Code = "SHEET_UNKNOWN_PATH"
	CodeSheetInvalidValue   Code = "SHEET_INVALID_VALUE"
	CodeSheetUnknownAbility Code = "SHEET_UNKNOWN_ABILITY"

	// Content errors
	CodeContentUnknownClass   Code = "CONTENT_UNKNOWN_CLASS"
	CodeContentUnknownSpecies Code = "CONTENT_UNKNOWN_SPECIES"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeBuildValidationFailed,
		CodeBuildFeatOverBudget,
		CodeBuildTalentOverBudget,
		CodeBuildAbilityOverSpend,
		CodeBuildPointBuyExceeded,
		CodeBuildSkillOverBudget,
		CodeBuildHouseRuleFailed,
		CodeSheetUnknownPath,
		CodeSheetInvalidValue,
		CodeSheetUnknownAbility,
		CodeContentUnknownClass,
		CodeContentUnknownSpecies:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeSessionCommitInProgress,
		CodeSessionAlreadyCommitted,
		CodeSessionRolledBack,
		CodeSessionNoChanges,
		CodeTransactionActive,
		CodeTransactionInvariant,
		CodeAuthorityAlreadyIssued,
		CodeStepUnavailable:
		return codes.FailedPrecondition

	// PermissionDenied - unauthorized mutation path
	case CodeMutationUnauthorized,
		CodeAuthorityRequired:
		return codes.PermissionDenied

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeStepUnknown:
		return codes.NotFound

	// Aborted - commit pipeline failed partway
	case CodeApplyPartialFailure,
		CodeApplyRootFailed:
		return codes.Aborted

	default:
		return codes.Internal
	}
}
