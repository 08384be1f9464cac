package ai

import (
	"github.com/pkoukk/tiktoken-go"
)

// CountTokens returns the number of tokens in a string for a specific model.
func CountTokens(model string, text string) (int, error) {
	// 1. Get the encoding for the model (e.g., gpt-4 uses 'cl100k_base')
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown or non-OpenAI model: cl100k_base is a fair approximation.
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0, err
		}
	}

	// 2. Encode and count
	tokenIds := tkm.Encode(text, nil, nil)
	return len(tokenIds), nil
}

// EstimateCost prices input tokens with the configured USD-per-1k table.
// Models missing from the table cost 0.
func EstimateCost(tokens int, model string, pricePer1k map[string]float64) float64 {
	price, ok := pricePer1k[model]
	if !ok {
		return 0
	}
	return (float64(tokens) / 1000.0) * price
}
