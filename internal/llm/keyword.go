package llm

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

var (
	amountPattern = regexp.MustCompile(`(?i)\$?(\d[\d,]*(?:\.\d+)?)\s*([kKmM]\b)?\s*\$?([A-Za-z][A-Za-z0-9]{1,15})`)
	negations     = []string{"not accept", "don't accept", "do not accept", "no deal", "reject", "decline", "not interested"}
	acceptances   = []string{"accept", "deal", "agreed", "agree", "sounds good", "let's do it", "lets do it", "confirmed", "works for me", "i'm in", "im in"}
)

// KeywordInterpreter 通过正则和关键字理解消息，不依赖外部模型。
type KeywordInterpreter struct{}

// ExtractOfferAmounts 查找紧跟双方代币符号的数字。
func (KeywordInterpreter) ExtractOfferAmounts(_ context.Context, text string, symbols Symbols) (Proposal, bool, error) {
	ours := strings.ToUpper(strings.TrimPrefix(symbols.Ours, "$"))
	theirs := strings.ToUpper(strings.TrimPrefix(symbols.Theirs, "$"))
	var proposal Proposal
	var foundOurs, foundTheirs bool
	for _, match := range amountPattern.FindAllStringSubmatch(text, -1) {
		value, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", ""), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(match[2]) {
		case "k":
			value *= 1_000
		case "m":
			value *= 1_000_000
		}
		symbol := strings.ToUpper(match[3])
		switch {
		case symbol == ours && !foundOurs:
			proposal.OurAmount = value
			foundOurs = true
		case symbol == theirs && !foundTheirs:
			proposal.TheirAmount = value
			foundTheirs = true
		}
	}
	if !foundOurs || !foundTheirs {
		return Proposal{}, false, nil
	}
	return proposal, true, nil
}

// IsAcceptance 判断消息是否表达了接受。
func (KeywordInterpreter) IsAcceptance(_ context.Context, text string) (bool, error) {
	lowered := strings.ToLower(text)
	for _, phrase := range negations {
		if strings.Contains(lowered, phrase) {
			return false, nil
		}
	}
	for _, phrase := range acceptances {
		if strings.Contains(lowered, phrase) {
			return true, nil
		}
	}
	return false, nil
}
