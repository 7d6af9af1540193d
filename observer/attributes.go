package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrStreamTokens = attribute.Key("llm.stream_tokens")

	AttrEmbedTextCount  = attribute.Key("llm.embed.text_count")
	AttrEmbedDimensions = attribute.Key("llm.embed.dimensions")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrAgentName     = attribute.Key("agent.name")
	AttrAgentStatus   = attribute.Key("agent.status")
	AttrWorkflowID    = attribute.Key("workflow.id")
	AttrStageName     = attribute.Key("workflow.stage")
	AttrErrorCategory = attribute.Key("error.category")
)
