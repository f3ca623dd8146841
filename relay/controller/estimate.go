package controller

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/relaymesh/gateway/common/config"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

// modelCalibration nudges the character-weighted estimate per model family
// to roughly track each provider's own tokenizer density, for the model
// families tiktoken has no encoder for; unknown models use 1.0.
var modelCalibration = map[string]float64{
	"claude": 0.95,
	"gemini": 1.05,
}

func calibrationFor(canonicalModel string) float64 {
	for prefix, factor := range modelCalibration {
		if strings.HasPrefix(canonicalModel, prefix) {
			return factor
		}
	}
	return 1.0
}

var (
	tiktokenMu    sync.Mutex
	tiktokenCache = map[string]*tiktoken.Tiktoken{}
)

// encodingFor returns the cl100k_base-family encoding for canonicalModel,
// caching it per model name since tiktoken-go's encoder construction
// loads a rank table on every call. Returns nil when the model has no
// tiktoken encoding (anything that isn't GPT/OpenAI-compatible).
func encodingFor(canonicalModel string) *tiktoken.Tiktoken {
	tiktokenMu.Lock()
	defer tiktokenMu.Unlock()

	if enc, ok := tiktokenCache[canonicalModel]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(canonicalModel)
	if err != nil && strings.HasPrefix(canonicalModel, "gpt-") {
		// GPT names the pinned tiktoken-go table does not list (gpt-4o)
		// are counted with cl100k_base.
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		tiktokenCache[canonicalModel] = nil
		return nil
	}
	tiktokenCache[canonicalModel] = enc
	return enc
}

// EstimatePromptTokens estimates the prompt token count before the
// request is sent upstream. GPT/OpenAI-compatible models get an exact
// count from tiktoken-go's BPE encoder; every other model family (Claude,
// Gemini) falls back to a character-class weighted heuristic (separate
// ASCII/CJK/whitespace weights, per-message overhead, per-model
// calibration) since no ecosystem tokenizer in this build covers their
// proprietary vocabularies. Used by the authorize-time quota check and
// the rate limiter's TPM pre-charge; never used once a provider's own
// usage counts are available.
func EstimatePromptTokens(messages []relaymodel.Message, canonicalModel string) int64 {
	if enc := encodingFor(canonicalModel); enc != nil {
		return tiktokenCount(enc, messages)
	}
	return heuristicCount(messages, canonicalModel)
}

func tiktokenCount(enc *tiktoken.Tiktoken, messages []relaymodel.Message) int64 {
	const perMessageOverhead = 4 // role/name/separator tokens, per OpenAI's chat format
	var total int64
	for _, m := range messages {
		total += perMessageOverhead
		total += int64(len(enc.Encode(m.Text, nil, nil)))
		for _, p := range m.Parts {
			total += int64(len(enc.Encode(p.Text, nil, nil)))
			if p.Type == relaymodel.PartImageRef {
				total += 256 // flat placeholder cost for non-text parts
			}
		}
	}
	return total
}

func heuristicCount(messages []relaymodel.Message, canonicalModel string) int64 {
	w := config.Current().TokenEstimatorWeights
	calibration := calibrationFor(canonicalModel)

	var total float64
	for _, m := range messages {
		total += w.PerMessageOverhead
		total += weighText(m.Text, w)
		for _, p := range m.Parts {
			total += weighText(p.Text, w)
			if p.Type == relaymodel.PartImageRef {
				total += 256 // flat placeholder cost for non-text parts
			}
		}
	}
	return int64(total * calibration)
}

func weighText(text string, w config.TokenEstimatorWeights) float64 {
	if text == "" {
		return 0
	}

	var ascii, cjk, whitespace float64
	for _, r := range text {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			whitespace++
		case r >= 0x4E00 && r <= 0x9FFF, r >= 0x3040 && r <= 0x30FF, r >= 0xAC00 && r <= 0xD7A3:
			cjk++
		default:
			ascii++
		}
	}

	var tokens float64
	if w.ASCIICharsPerToken > 0 {
		tokens += ascii / w.ASCIICharsPerToken
	}
	if w.CJKCharsPerToken > 0 {
		tokens += cjk / w.CJKCharsPerToken
	}
	tokens += whitespace * w.WhitespaceWeight
	return tokens
}
