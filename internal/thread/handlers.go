package thread

type handlerFactory func(*Engine) func(Event)

// handlerFactories maps every subscribed event kind to its handler constructor.
var handlerFactories = map[EventKind]handlerFactory{
	EventThreadStarted:          newThreadStartedHandler,
	EventTurnStarted:            newTurnStartedHandler,
	EventTurnCompleted:          newTurnCompletedHandler,
	EventTurnDiffUpdated:        newTurnDiffUpdatedHandler,
	EventTurnPlanUpdated:        newTurnPlanUpdatedHandler,
	EventThreadCompacted:        newThreadCompactedHandler,
	EventItemStarted:            newItemStartedHandler,
	EventItemCompleted:          newItemCompletedHandler,
	EventAgentMessageDelta:      newAgentMessageDeltaHandler,
	EventReasoningSummaryDelta:  newReasoningSummaryDeltaHandler,
	EventReasoningPartAdded:     newReasoningPartAddedHandler,
	EventReasoningTextDelta:     newReasoningTextDeltaHandler,
	EventCommandOutputDelta:     newCommandOutputDeltaHandler,
	EventFileChangeOutputDelta:  newFileChangeOutputDeltaHandler,
	EventMcpToolCallProgress:    newMcpToolCallProgressHandler,
	EventTokenUsageUpdated:      newTokenUsageHandler,
	EventCommandApprovalRequest: newApprovalRequestHandler(ApprovalCommand),
	EventFileApprovalRequest:    newApprovalRequestHandler(ApprovalFileChange),
	EventError:                  newStreamErrorHandler,
	EventServerDisconnected:     newServerDisconnectedHandler,
	EventRateLimitExceeded:      newRateLimitHandler,
}
