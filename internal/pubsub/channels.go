package pubsub

// Channel names. Payloads are JSON-encoded structured records; every payload
// carries a "version" field so consumers can reject records they do not
// understand.
const (
	ChannelChangesets      = "changesets"
	ChannelRepositories    = "repositories"
	ChannelReviewEvents    = "reviewevents"
	ChannelSyntaxHighlight = "syntaxhighlightfile"
	ChannelAnalyzeLines    = "analyzechangedlines"
	ChannelOutgoingEmail   = "email/outgoing"
	ChannelSystemEvents    = "systemevents"
	ChannelBranches        = "branches"
	ChannelServiceControl  = "services/control"
)
