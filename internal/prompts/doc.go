// Package prompts contains the LLM prompt text sent by the agent.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates interpolate today's date and the CUR schema, and can be validated
// by tests. The system preamble is rebuilt on every loop cycle so the date and
// schema are never stale.
package prompts
