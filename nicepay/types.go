package nicepay

import (
	"context"

	"github.com/shopspring/decimal"
)

// Outcome is the processor's answer to a charge or status query, normalized
// for the state machine. ResultCode/ResultMessage are kept verbatim for the
// audit payload on the transaction row.
type Outcome struct {
	Approved      bool   `json:"approved"`
	ProcessorTxId string `json:"processor_tx_id"`
	ResultCode    string `json:"result_code"`
	ResultMessage string `json:"result_message"`
}

// Processor is the external debit gateway capability the engine consumes.
// Charge must be idempotent on idempotencyKey: re-sending the same key must
// not move money twice. Query resolves ambiguous (timed-out) attempts.
type Processor interface {
	Charge(ctx context.Context, idempotencyKey string, accountRef string, amount decimal.Decimal) (Outcome, error)
	Query(ctx context.Context, processorTxId string) (Outcome, error)
}

// resultCodeOK is the CMS gateway's "normal" result code.
const resultCodeOK = "0000"

type chargeRequest struct {
	MemberId   string `json:"memberId"`
	ReqAmt     string `json:"reqAmt"`
	Moid       string `json:"moid"`
	ServiceCd  string `json:"serviceCd"`
	UserDefine string `json:"userDefine,omitempty"`
}

type chargeResponse struct {
	ResultCd  string `json:"resultCd"`
	ResultMsg string `json:"resultMsg"`
	PayInfo   *struct {
		Tid     string `json:"tid"`
		Status  int    `json:"status"`
		PayAmt  string `json:"payAmt"`
		PayDt   string `json:"payDt"`
		BankMsg string `json:"bankMsg"`
	} `json:"payInfo"`
}
