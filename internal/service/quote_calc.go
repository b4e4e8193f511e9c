package service

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/Privnode-HQ/zelo-refund/internal/model"
	"github.com/Privnode-HQ/zelo-refund/internal/money"
	"github.com/Privnode-HQ/zelo-refund/internal/stripe"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"
)

// 报价算法：先把每笔充值折算成 (已付现金, 尚存授予额度) 元组，
// 再按「促销占比高的先抵扣消耗」的顺序分摊 used_quota，剩下
// 没被消耗掉的付费额度才是可退的。全程整数运算，比较用交叉
// 相乘，禁止浮点。

const (
	orderSourceTopUp    = "topup"
	orderSourceCard     = "card_charge"
	orderSourceGiftPool = "gift_pool"
)

// quoteOrder 排序和分摊用的内部元组
type quoteOrder struct {
	ID              int64  // 充值单 id，合成单和无单可对应的卡单为 0
	Ref             string // 卡单用 charge id，合成单固定 gift_pool
	Source          string
	TradeNo         string
	ChargeID        string
	PaymentIntentID string
	PaymentMethod   string
	CompleteTime    int64

	PaidCents  int64 // 尚可退的已付现金（分）
	GrantQuota int64 // 尚存的授予额度
	CreatedAt  int64

	// 分摊结果
	PQuota     int64 // PaidCents × 5000
	Used       int64 // 分摊到的消耗
	Refundable int64 // max(0, PQuota − Used)
}

// ratioFrac 促销占比 r = (g − p_quota) / g，返回分子分母，分母恒正。
// g = 0 时 r 记作 0。
func (o *quoteOrder) ratioFrac() (num, den int64) {
	if o.GrantQuota <= 0 {
		return 0, 1
	}
	return o.GrantQuota - o.PQuota, o.GrantQuota
}

// RatioPPM 占比的百万分率，只进 trace 展示，不参与排序
func (o *quoteOrder) RatioPPM() int64 {
	num, den := o.ratioFrac()
	if num == 0 {
		return 0
	}
	ppm := new(big.Int).Mul(big.NewInt(num), big.NewInt(1_000_000))
	ppm.Quo(ppm, big.NewInt(den))
	return ppm.Int64()
}

// compareRatio 交叉相乘比较两个占比。g 可达 int64 量级，
// 乘积会溢出，必须走 big.Int。
func compareRatio(a, b *quoteOrder) int {
	an, ad := a.ratioFrac()
	bn, bd := b.ratioFrac()
	left := new(big.Int).Mul(big.NewInt(an), big.NewInt(bd))
	right := new(big.Int).Mul(big.NewInt(bn), big.NewInt(ad))
	return left.Cmp(right)
}

// lessOrder 排序全序：r 降序 → g 降序 → created_at 升序 → id 升序
func lessOrder(a, b *quoteOrder) bool {
	if cmp := compareRatio(a, b); cmp != 0 {
		return cmp > 0
	}
	if a.GrantQuota != b.GrantQuota {
		return a.GrantQuota > b.GrantQuota
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Ref < b.Ref
}

// quoteInput 纯算法的全部输入，外部 IO 在 quote_service 里做完
type quoteInput struct {
	User        *model.User
	TopUps      []*model.TopUp    // success + refund 两态
	OpenRefunds []model.RefundLog // pending + succeeded 的流水
	Charges     []stripe.Charge   // 该用户 stripe customer 的全部 charge
}

// Quote 报价结果，同时是退款执行的输入
type Quote struct {
	User       QuoteUser      `json:"user"`
	Balance    QuoteBalance   `json:"balance"`
	Aggregator ChannelSummary `json:"aggregator"`
	Card       ChannelSummary `json:"card"`
	DueCents   int64          `json:"due_cents"`
	DueYuan    string         `json:"due_yuan"`
	Plan       Plan           `json:"plan"`
	Orders     []OrderTrace   `json:"orders"`
	Notes      []string       `json:"notes,omitempty"`

	// 执行引擎内部用，不外发
	cardCharges []stripe.Charge // succeeded 卡单
	aggLegs     []aggLegSource  // 尚有可退现金的聚合渠道充值单
}

type QuoteUser struct {
	ID               int64  `json:"id"`
	Email            string `json:"email"`
	StripeCustomerID string `json:"stripe_customer_id,omitempty"`
}

type QuoteBalance struct {
	RemainingQuota int64  `json:"remaining_quota"`
	UsedQuota      int64  `json:"used_quota"`
	TotalQuota     int64  `json:"total_quota"`
	RemainingYuan  string `json:"remaining_yuan"`
	UsedYuan       string `json:"used_yuan"`
	TotalYuan      string `json:"total_yuan"`
}

// ChannelSummary 单渠道的毛付 / 已退 / 净付
type ChannelSummary struct {
	GrossCents    int64  `json:"gross_cents"`
	RefundedCents int64  `json:"refunded_cents"`
	NetCents      int64  `json:"net_cents"`
	GrossYuan     string `json:"gross_yuan"`
	RefundedYuan  string `json:"refunded_yuan"`
	NetYuan       string `json:"net_yuan"`
}

type Plan struct {
	CardCents       int64  `json:"card_cents"`
	AggregatorCents int64  `json:"aggregator_cents"`
	CardYuan        string `json:"card_yuan"`
	AggregatorYuan  string `json:"aggregator_yuan"`
}

// OrderTrace 排序后的逐单分摊轨迹，管理端展示用
type OrderTrace struct {
	ID              int64  `json:"id,omitempty"`
	Source          string `json:"source"`
	TradeNo         string `json:"trade_no,omitempty"`
	ChargeID        string `json:"charge_id,omitempty"`
	PaidCents       int64  `json:"paid_cents"`
	GrantQuota      int64  `json:"grant_quota"`
	PaidQuota       int64  `json:"paid_quota"`
	RatioPPM        int64  `json:"ratio_ppm"`
	UsedQuota       int64  `json:"used_quota"`
	RefundableQuota int64  `json:"refundable_quota"`
	CreatedAt       int64  `json:"created_at"`
}

type aggLegSource struct {
	TopUpID        int64
	TradeNo        string
	PaymentMethod  string
	RemainingCents int64
	CompleteTime   int64
}

func yuan(c int64) string { return money.FormatCentsToYuan(c) }

// computeQuote 纯 CPU 计算，输入齐备后不再有任何外部调用
func computeQuote(in quoteInput) (*Quote, error) {
	// 已退金额按 trade_no / charge_id 归并，pending 也算已退
	refundedCashByTradeNo := make(map[string]int64)
	refundedQuotaByTradeNo := make(map[string]int64)
	refundedQuotaByChargeID := make(map[string]int64)
	for i := range in.OpenRefunds {
		row := &in.OpenRefunds[i]
		if !row.CountsAsRefunded() {
			continue
		}
		if row.TopupTradeNo != "" {
			refundedCashByTradeNo[row.TopupTradeNo] += row.RefundMoneyMinor
			refundedQuotaByTradeNo[row.TopupTradeNo] += row.QuotaDelta
		}
		if row.StripeChargeID != "" {
			refundedQuotaByChargeID[row.StripeChargeID] += row.QuotaDelta
		}
	}

	quote := &Quote{
		User: QuoteUser{
			ID:               in.User.ID,
			Email:            in.User.Email,
			StripeCustomerID: in.User.StripeCustomerID,
		},
	}

	// 卡渠道：先做货币卫兵，succeeded 的 charge 才进元组
	currencies := map[string]bool{}
	for i := range in.Charges {
		ch := &in.Charges[i]
		if !ch.Paid || ch.Status != "succeeded" {
			continue
		}
		currencies[strings.ToLower(ch.Currency)] = true
		quote.cardCharges = append(quote.cardCharges, *ch)
	}
	if len(currencies) > 1 {
		list := make([]string, 0, len(currencies))
		for cur := range currencies {
			list = append(list, cur)
		}
		sort.Strings(list)
		return nil, errs.State(errs.CodeStripeMultipleCurrencies,
			"stripe 客户存在多种货币，无法合并报价").
			WithDetails(map[string]interface{}{"currencies": list})
	}
	if len(currencies) == 1 && !currencies["cny"] {
		for cur := range currencies {
			quote.Notes = append(quote.Notes,
				fmt.Sprintf("卡渠道货币为 %s，金额按该货币最小单位计", cur))
		}
	}

	// stripe 充值单按 trade_no 建索引，卡单元组找授予额度用
	stripeTopUpByTradeNo := make(map[string]*model.TopUp)
	var orders []*quoteOrder

	for _, t := range in.TopUps {
		if t.IsStripe() {
			stripeTopUpByTradeNo[t.TradeNo] = t
			continue
		}
		moneyCents := t.MoneyCents()
		originalGrant := t.AmountCents() * money.QuotaPerCent

		paid := moneyCents - refundedCashByTradeNo[t.TradeNo]
		if paid < 0 {
			paid = 0
		}
		grant := originalGrant - refundedQuotaByTradeNo[t.TradeNo]
		if grant < 0 {
			grant = 0
		}
		orders = append(orders, &quoteOrder{
			ID:            t.ID,
			Ref:           t.TradeNo,
			Source:        orderSourceTopUp,
			TradeNo:       t.TradeNo,
			PaymentMethod: t.PaymentMethod,
			CompleteTime:  t.CompleteTime,
			PaidCents:     paid,
			GrantQuota:    grant,
			CreatedAt:     t.CreateTime,
		})
	}

	for i := range quote.cardCharges {
		ch := &quote.cardCharges[i]
		var topUpID int64
		var originalGrant int64
		if t, ok := stripeTopUpByTradeNo[ch.ID]; ok {
			topUpID = t.ID
			originalGrant = t.AmountCents() * money.QuotaPerCent
		} else if t, ok := stripeTopUpByTradeNo[ch.PaymentIntent]; ok && ch.PaymentIntent != "" {
			topUpID = t.ID
			originalGrant = t.AmountCents() * money.QuotaPerCent
		} else {
			// 找不到充值单时用卡单金额兜底，促销赠送会被低估
			originalGrant = ch.Amount * money.QuotaPerCent
		}
		grant := originalGrant - refundedQuotaByChargeID[ch.ID]
		if grant < 0 {
			grant = 0
		}
		orders = append(orders, &quoteOrder{
			ID:              topUpID,
			Ref:             ch.ID,
			Source:          orderSourceCard,
			ChargeID:        ch.ID,
			PaymentIntentID: ch.PaymentIntent,
			PaidCents:       ch.Remaining(),
			GrantQuota:      grant,
			CreatedAt:       ch.Created,
		})
	}

	// 渠道汇总
	for _, o := range orders {
		if o.Source == orderSourceTopUp {
			quote.Aggregator.NetCents += o.PaidCents
		}
	}
	for _, t := range in.TopUps {
		if !t.IsStripe() {
			quote.Aggregator.GrossCents += t.MoneyCents()
		}
	}
	quote.Aggregator.RefundedCents = quote.Aggregator.GrossCents - quote.Aggregator.NetCents
	for i := range quote.cardCharges {
		ch := &quote.cardCharges[i]
		quote.Card.GrossCents += ch.Amount
		quote.Card.RefundedCents += ch.AmountRefunded
		quote.Card.NetCents += ch.Remaining()
	}

	// 合成礼包单：账面总额度超过真实授予的部分，只吸收消耗不退钱
	totalQuota := in.User.Quota + in.User.UsedQuota
	var totalGrant int64
	for _, o := range orders {
		totalGrant += o.GrantQuota
	}
	if totalGrant < totalQuota {
		orders = append(orders, &quoteOrder{
			Ref:        orderSourceGiftPool,
			Source:     orderSourceGiftPool,
			PaidCents:  0,
			GrantQuota: totalQuota - totalGrant,
			CreatedAt:  0,
		})
	}

	for _, o := range orders {
		o.PQuota = o.PaidCents * money.QuotaPerCent
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return lessOrder(orders[i], orders[j])
	})

	// 消耗分摊
	remainingUsed := in.User.UsedQuota
	var refundableQuota int64
	for _, o := range orders {
		u := remainingUsed
		if u > o.GrantQuota {
			u = o.GrantQuota
		}
		if u < 0 {
			u = 0
		}
		o.Used = u
		remainingUsed -= u

		f := o.PQuota - o.Used
		if f < 0 {
			f = 0
		}
		o.Refundable = f
		refundableQuota += f
	}

	dueCents := money.QuotaToCentsFloor(refundableQuota)
	totalNetPaid := quote.Aggregator.NetCents + quote.Card.NetCents
	if dueCents > totalNetPaid {
		dueCents = totalNetPaid
	}
	if dueCents < 0 {
		dueCents = 0
	}
	quote.DueCents = dueCents

	// 卡渠道优先拆分
	cardCents := dueCents
	if cardCents > quote.Card.NetCents {
		cardCents = quote.Card.NetCents
	}
	quote.Plan = Plan{
		CardCents:       cardCents,
		AggregatorCents: dueCents - cardCents,
	}

	// 聚合渠道的逐单余量给执行引擎留着
	for _, o := range orders {
		if o.Source == orderSourceTopUp && o.PaidCents > 0 {
			quote.aggLegs = append(quote.aggLegs, aggLegSource{
				TopUpID:        o.ID,
				TradeNo:        o.TradeNo,
				PaymentMethod:  o.PaymentMethod,
				RemainingCents: o.PaidCents,
				CompleteTime:   o.CompleteTime,
			})
		}
	}

	quote.Balance = QuoteBalance{
		RemainingQuota: in.User.Quota,
		UsedQuota:      in.User.UsedQuota,
		TotalQuota:     totalQuota,
		RemainingYuan:  yuan(money.QuotaToCentsFloor(in.User.Quota)),
		UsedYuan:       yuan(money.QuotaToCentsFloor(in.User.UsedQuota)),
		TotalYuan:      yuan(money.QuotaToCentsFloor(totalQuota)),
	}
	quote.DueYuan = yuan(dueCents)
	quote.Plan.CardYuan = yuan(quote.Plan.CardCents)
	quote.Plan.AggregatorYuan = yuan(quote.Plan.AggregatorCents)
	fillChannelYuan(&quote.Aggregator)
	fillChannelYuan(&quote.Card)

	quote.Orders = make([]OrderTrace, 0, len(orders))
	for _, o := range orders {
		quote.Orders = append(quote.Orders, OrderTrace{
			ID:              o.ID,
			Source:          o.Source,
			TradeNo:         o.TradeNo,
			ChargeID:        o.ChargeID,
			PaidCents:       o.PaidCents,
			GrantQuota:      o.GrantQuota,
			PaidQuota:       o.PQuota,
			RatioPPM:        o.RatioPPM(),
			UsedQuota:       o.Used,
			RefundableQuota: o.Refundable,
			CreatedAt:       o.CreatedAt,
		})
	}

	return quote, nil
}

func fillChannelYuan(s *ChannelSummary) {
	s.GrossYuan = yuan(s.GrossCents)
	s.RefundedYuan = yuan(s.RefundedCents)
	s.NetYuan = yuan(s.NetCents)
}
