// Package llm defines the narrow language capabilities the negotiation core
// depends on: extracting proposed token amounts from free text, detecting a
// plain acceptance, and composing outbound messages. Keyword and template
// implementations are provided for offline use; the openai subpackage backs
// the same interfaces with a chat completion model.
package llm
