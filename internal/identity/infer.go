package identity

import (
	"fmt"
	"strings"

	"github.com/newthinker/quantbase/internal/core"
)

// Hints narrows inference when a raw symbol alone is not conclusive.
type Hints struct {
	Market core.Market
	Kind   core.Kind
	Source string
}

var usIndices = set("DJI", "NDX", "SPX", "GSPC", "IXIC", "RUT", "VIX")

var hkIndices = set("HSI", "HSCEI", "HSTECH")

var usETFs = set(
	"SPY", "QQQ", "IWM", "DIA", "VTI", "VOO", "GLD", "SLV", "TLT", "IEF", "HYG", "EEM", "EFA",
	"FXI", "KWEB", "XLK", "XLF", "XLE", "XLV", "XLY", "XLP", "XLI", "XLB", "XLU", "XLRE", "XLC",
	"SMH", "SOXX", "ARKK",
)

var hkETFs = set("02800", "02828", "03033", "03067", "03188", "02822", "03032")

var usTrusts = set("GBTC", "ETHE")

var cryptoBases = set("BTC", "ETH", "SOL", "BNB", "XRP", "ADA", "DOGE", "DOT", "AVAX", "LINK", "LTC", "TRX")

var cryptoQuotes = []string{"-USDT", "-USDC", "-USD", "/USDT", "/USD"}

var cnSuffixes = []string{".SS", ".SH", ".SZ", ".BJ"}

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, s := range items {
		m[s] = struct{}{}
	}
	return m
}

func has(m map[string]struct{}, s string) bool {
	_, ok := m[s]
	return ok
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case (r == '.' || r == '-') && i > 0 && i < len(s)-1:
		default:
			return false
		}
	}
	return true
}

// PadHK left-pads a numeric HK code to five digits.
func PadHK(code string) string {
	if len(code) >= 5 {
		return code
	}
	return strings.Repeat("0", 5-len(code)) + code
}

// CNExchange returns the A-share exchange (SH, SZ or BJ) listing code.
func CNExchange(code string, kind core.Kind) string {
	if kind == core.KindIndex {
		if strings.HasPrefix(code, "399") {
			return "SZ"
		}
		return "SH"
	}
	switch {
	case strings.HasPrefix(code, "6"), strings.HasPrefix(code, "5"), strings.HasPrefix(code, "9"):
		return "SH"
	case strings.HasPrefix(code, "8"), strings.HasPrefix(code, "4"), strings.HasPrefix(code, "92"):
		return "BJ"
	default:
		return "SZ"
	}
}

// Normalize rewrites a canonical string into its normalized form: uppercase
// segments, provider suffixes stripped and HK codes padded.
func Normalize(s string) (core.CanonicalID, error) {
	m, k, code, err := core.SplitCanonical(s)
	if err != nil {
		return "", err
	}
	code = strings.ToUpper(strings.TrimPrefix(code, "^"))
	code = strings.TrimSuffix(code, ".HK")
	for _, suf := range cnSuffixes {
		code = strings.TrimSuffix(code, suf)
	}
	if k == core.KindCrypto {
		for _, q := range cryptoQuotes {
			code = strings.TrimSuffix(code, q)
		}
	}
	if m == core.MarketHK && isDigits(code) {
		code = PadHK(code)
	}
	if m == core.MarketCN && (k == core.KindStock || k == core.KindETF) && !(isDigits(code) && len(code) == 6) {
		return "", core.Errorf(core.ErrUnknownSymbol, "A-share code must be 6 digits: %q", s)
	}
	if code == "" {
		return "", core.Errorf(core.ErrUnknownSymbol, "empty code: %q", s)
	}
	return core.NewCanonicalID(m, k, code), nil
}

// Infer applies the market inference rules to a raw provider symbol.
func Infer(symbol string, hints Hints) (core.CanonicalID, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", core.Errorf(core.ErrUnknownSymbol, "empty symbol")
	}

	for _, q := range cryptoQuotes {
		if base, ok := strings.CutSuffix(s, q); ok && isAlpha(base) {
			return core.NewCanonicalID(core.MarketWorld, core.KindCrypto, base), nil
		}
	}

	if code, ok := strings.CutPrefix(s, "^"); ok {
		return inferIndex(code, hints)
	}

	if code, ok := strings.CutSuffix(s, ".HK"); ok {
		switch {
		case isDigits(code) && len(code) <= 5:
			return hkNumeric(PadHK(code), hints), nil
		case has(hkIndices, code):
			return core.NewCanonicalID(core.MarketHK, core.KindIndex, code), nil
		}
		return "", core.Errorf(core.ErrUnknownSymbol, "unrecognized HK symbol %q", symbol)
	}

	for _, suf := range cnSuffixes {
		if code, ok := strings.CutSuffix(s, suf); ok {
			return inferCNSuffixed(code, suf, symbol)
		}
	}

	if isDigits(s) {
		return inferNumeric(s, hints, symbol)
	}

	if isAlpha(s) {
		return inferAlpha(s, hints)
	}

	return "", core.Errorf(core.ErrUnknownSymbol, "unrecognized symbol %q", symbol)
}

func inferIndex(code string, hints Hints) (core.CanonicalID, error) {
	switch {
	case code == "":
		return "", core.Errorf(core.ErrUnknownSymbol, "empty index symbol")
	case hints.Market != "" && hints.Market != core.MarketWorld:
		return core.NewCanonicalID(hints.Market, core.KindIndex, code), nil
	case has(hkIndices, code):
		return core.NewCanonicalID(core.MarketHK, core.KindIndex, code), nil
	}
	return core.NewCanonicalID(core.MarketUS, core.KindIndex, code), nil
}

func hkNumeric(code string, hints Hints) core.CanonicalID {
	kind := core.KindStock
	if has(hkETFs, code) {
		kind = core.KindETF
	}
	if hints.Kind == core.KindETF || hints.Kind == core.KindTrust {
		kind = hints.Kind
	}
	return core.NewCanonicalID(core.MarketHK, kind, code)
}

func inferCNSuffixed(code, suffix, raw string) (core.CanonicalID, error) {
	if !isDigits(code) || len(code) != 6 {
		return "", core.Errorf(core.ErrUnknownSymbol, "A-share code must be 6 digits: %q", raw)
	}
	kind := core.KindStock
	switch suffix {
	case ".SS", ".SH":
		if strings.HasPrefix(code, "000") {
			kind = core.KindIndex
		} else if strings.HasPrefix(code, "5") {
			kind = core.KindETF
		}
	case ".SZ":
		if strings.HasPrefix(code, "399") {
			kind = core.KindIndex
		} else if strings.HasPrefix(code, "15") || strings.HasPrefix(code, "16") {
			kind = core.KindETF
		}
	}
	return core.NewCanonicalID(core.MarketCN, kind, code), nil
}

func inferNumeric(s string, hints Hints, raw string) (core.CanonicalID, error) {
	switch {
	case len(s) == 6:
		if hints.Kind == core.KindIndex {
			return core.NewCanonicalID(core.MarketCN, core.KindIndex, s), nil
		}
		switch s[:2] {
		case "60", "68", "00", "30", "43", "83", "87", "92":
			return core.NewCanonicalID(core.MarketCN, core.KindStock, s), nil
		case "51", "56", "58", "15", "16":
			return core.NewCanonicalID(core.MarketCN, core.KindETF, s), nil
		}
	case len(s) == 4 || len(s) == 5:
		return hkNumeric(PadHK(s), hints), nil
	case len(s) < 4 && hints.Market == core.MarketHK:
		return hkNumeric(PadHK(s), hints), nil
	}
	return "", core.Errorf(core.ErrUnknownSymbol, "unrecognized numeric symbol %q", raw)
}

func inferAlpha(s string, hints Hints) (core.CanonicalID, error) {
	if hints.Market == core.MarketWorld || hints.Kind == core.KindCrypto {
		return core.NewCanonicalID(core.MarketWorld, core.KindCrypto, s), nil
	}
	if has(hkIndices, s) && hints.Market != core.MarketUS {
		return core.NewCanonicalID(core.MarketHK, core.KindIndex, s), nil
	}
	if has(usIndices, s) || hints.Kind == core.KindIndex {
		return core.NewCanonicalID(core.MarketUS, core.KindIndex, s), nil
	}
	if has(cryptoBases, s) && hints.Market == "" && hints.Kind == "" {
		return "", core.WrapError(core.ErrAmbiguousSymbol,
			fmt.Errorf("%q matches %s and %s", s,
				core.NewCanonicalID(core.MarketUS, core.KindStock, s),
				core.NewCanonicalID(core.MarketWorld, core.KindCrypto, s)))
	}
	kind := core.KindStock
	switch {
	case hints.Kind == core.KindETF || hints.Kind == core.KindTrust:
		kind = hints.Kind
	case has(usETFs, s):
		kind = core.KindETF
	case has(usTrusts, s):
		kind = core.KindTrust
	}
	return core.NewCanonicalID(core.MarketUS, kind, s), nil
}
