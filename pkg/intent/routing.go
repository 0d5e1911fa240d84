package intent

import "github.com/inboxpilot/inboxpilot/pkg/models"

// Route pairs the capability group serving a category with the workflow
// type that drives it.
type Route struct {
	Group string
	Type  models.WorkflowType
}

// RouteFor maps a category to its route. It is pure, total and
// deterministic: every category resolves, and unknown or ambiguous
// categories always clarify.
func RouteFor(category models.IntentCategory) Route {
	switch category {
	case models.IntentFetch, models.IntentSearch:
		return Route{Group: "email", Type: models.WorkflowTypeSimpleInvoke}
	case models.IntentContactQuery:
		return Route{Group: "contacts", Type: models.WorkflowTypeSimpleInvoke}
	case models.IntentPreferenceQuery:
		return Route{Group: "preferences", Type: models.WorkflowTypeSimpleInvoke}
	case models.IntentDraftSend:
		return Route{Group: "email", Type: models.WorkflowTypeDraftApproveSend}
	case models.IntentOrganize, models.IntentLabelManage, models.IntentDestructiveDelete:
		return Route{Group: "email", Type: models.WorkflowTypeMultiStep}
	case models.IntentAmbiguous:
		return Route{Type: models.WorkflowTypeClarify}
	default:
		return Route{Type: models.WorkflowTypeClarify}
	}
}
