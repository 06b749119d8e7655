// Package amm defines the DAML template payloads the gateway creates and
// queries: token holdings and liquidity pools. Pricing and settlement live in
// the smart-contract layer; these types only mirror the on-ledger shapes.
package amm

// Template identifiers, package-name qualified.
const (
	TokenTemplateID = "#clearportx-amm:Token.Token:Token"
	PoolTemplateID  = "#clearportx-amm:AMM.Pool:Pool"
)

// Token is the payload of a token holding contract. Amounts travel as decimal
// strings per the ledger JSON encoding.
type Token struct {
	Issuer string `json:"issuer"`
	Owner  string `json:"owner"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

// Pool is the payload of a liquidity pool contract.
type Pool struct {
	Operator      string `json:"operator"`
	PoolParty     string `json:"poolParty"`
	LPIssuer      string `json:"lpIssuer"`
	IssuerA       string `json:"issuerA"`
	IssuerB       string `json:"issuerB"`
	SymbolA       string `json:"symbolA"`
	SymbolB       string `json:"symbolB"`
	FeeBps        int64  `json:"feeBps"`
	PoolID        string `json:"poolId"`
	MaxTTLMicros  int64  `json:"maxTTL"`
	ReserveA      string `json:"reserveA"`
	ReserveB      string `json:"reserveB"`
	TotalLPSupply string `json:"totalLPSupply"`
	FeeReceiver   string `json:"feeReceiver"`
	MaxPriceBps   int64  `json:"maxPriceDeviationBps"`
	MinLiquidity  int64  `json:"minLiquidity"`
}
