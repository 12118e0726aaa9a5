package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for workflow observability spans and metrics.
var (
	AttrRunID    = attribute.Key("workflow.run_id")
	AttrNodeID   = attribute.Key("workflow.node_id")
	AttrNodeType = attribute.Key("workflow.node_type")
	AttrStatus   = attribute.Key("workflow.status")

	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")
)
