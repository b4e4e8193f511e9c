package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/Privnode-HQ/zelo-refund/internal/config"
	"github.com/Privnode-HQ/zelo-refund/internal/epay"
	"github.com/Privnode-HQ/zelo-refund/internal/infrastructure/lock"
	"github.com/Privnode-HQ/zelo-refund/internal/logger"
	"github.com/Privnode-HQ/zelo-refund/internal/model"
	"github.com/Privnode-HQ/zelo-refund/internal/money"
	"github.com/Privnode-HQ/zelo-refund/internal/repository"
	"github.com/Privnode-HQ/zelo-refund/internal/stripe"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 退款执行引擎。每条渠道退款指令走「预扣 → 落审计行 → 渠道调用 → 结算」
// 四步：额度先条件扣减，审计行先于渠道调用落库，渠道失败则补偿回加。
// 顺序保证任何一步崩溃后都不会出现「钱退了额度没扣」。
type RefundService struct {
	db     *gorm.DB
	redis  *redis.Client
	cfg    *config.Config
	users  UserStore
	topups TopUpStore
	audit  AuditStore
	card   CardClient
	agg    AggregatorClient
	outbox OutboxStore
	quotes *QuoteService
}

func NewRefundService(
	db *gorm.DB,
	redisClient *redis.Client,
	cfg *config.Config,
	users UserStore,
	topups TopUpStore,
	audit AuditStore,
	card CardClient,
	agg AggregatorClient,
	outbox OutboxStore,
	quotes *QuoteService,
) *RefundService {
	return &RefundService{
		db:     db,
		redis:  redisClient,
		cfg:    cfg,
		users:  users,
		topups: topups,
		audit:  audit,
		card:   card,
		agg:    agg,
		outbox: outbox,
		quotes: quotes,
	}
}

type ExecuteRequest struct {
	AmountYuan    string `json:"amount_yuan"`
	FeePercent    string `json:"fee_percent"`
	MinRefundYuan string `json:"min_refund_yuan"`
	MaxRefundYuan string `json:"max_refund_yuan"`
	ClearBalance  bool   `json:"clear_balance"`
	DryRun        bool   `json:"dry_run"`

	// 由鉴权中间件填入，不从请求体读
	PerformedBy string `json:"-"`
}

type LegResult struct {
	Provider         string `json:"provider"`
	TradeNo          string `json:"trade_no,omitempty"`
	ChargeID         string `json:"charge_id,omitempty"`
	AmountCents      int64  `json:"amount_cents"`
	AmountYuan       string `json:"amount_yuan"`
	Currency         string `json:"currency"`
	QuotaDelta       int64  `json:"quota_delta"`
	OutRefundNo      string `json:"out_refund_no"`
	ProviderRefundNo string `json:"provider_refund_no,omitempty"`
	RefundLogID      string `json:"refund_log_id,omitempty"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
}

type ExecuteResponse struct {
	BatchID      string      `json:"batch_id"`
	UserID       int64       `json:"user_id"`
	Status       string      `json:"status"`
	DryRun       bool        `json:"dry_run"`
	ClearBalance bool        `json:"clear_balance"`
	FeeBps       int64       `json:"fee_bps"`
	GrossCents   int64       `json:"gross_cents"`
	FeeCents     int64       `json:"fee_cents"`
	NetCents     int64       `json:"net_cents"`
	GrossYuan    string      `json:"gross_yuan"`
	FeeYuan      string      `json:"fee_yuan"`
	NetYuan      string      `json:"net_yuan"`
	QuotaDelta   int64       `json:"quota_delta"`
	Quote        *Quote      `json:"quote"`
	Legs         []LegResult `json:"legs,omitempty"`
	Warnings     []string    `json:"warnings,omitempty"`
	CalcTrace    []TraceStep `json:"calc_trace"`
}

const calcTraceVersion = 2

// TraceStep 计算轨迹的一步。全部步骤序列化进每条审计行的
// raw_request，管理端「计算明细」直接渲染这个结构。
// 版本 2 是按消耗分摊的算法，版本 1（旧的按比例公式）只会
// 出现在历史行里。
type TraceStep struct {
	StepIndex int         `json:"step_index"`
	Name      string      `json:"name"`
	Detail    interface{} `json:"detail"`
}

type calcTrace struct {
	Version int         `json:"calc_trace_version"`
	Steps   []TraceStep `json:"steps"`
}

func traceJSON(steps []TraceStep, op TraceStep) string {
	all := make([]TraceStep, 0, len(steps)+1)
	all = append(all, steps...)
	op.StepIndex = len(steps)
	all = append(all, op)
	b, _ := json.Marshal(calcTrace{Version: calcTraceVersion, Steps: all})
	return string(b)
}

// prorate 按金额占比分摊额度扣减。remQuota × amount 会溢出 int64，
// 必须走 big.Int；整除向下取整，余数自然落在吃掉全部剩余的最后一腿。
func prorate(remQuota, amountCents, remCents int64) int64 {
	if amountCents >= remCents {
		return remQuota
	}
	q := new(big.Int).Mul(big.NewInt(remQuota), big.NewInt(amountCents))
	q.Quo(q, big.NewInt(remCents))
	return q.Int64()
}

func parseRange(minS, maxS string) (minC, maxC *int64, err error) {
	if strings.TrimSpace(minS) != "" {
		v, perr := money.ParseYuanToCents(minS)
		if perr != nil || v < 0 {
			return nil, nil, errs.Validation(errs.CodeInvalidRefundRange, "退款下限金额不合法: "+minS)
		}
		minC = &v
	}
	if strings.TrimSpace(maxS) != "" {
		v, perr := money.ParseYuanToCents(maxS)
		if perr != nil || v < 0 {
			return nil, nil, errs.Validation(errs.CodeInvalidRefundRange, "退款上限金额不合法: "+maxS)
		}
		maxC = &v
	}
	if minC != nil && maxC != nil && *minC > *maxC {
		return nil, nil, errs.Validation(errs.CodeInvalidRefundRange, "退款区间下限大于上限")
	}
	return minC, maxC, nil
}

// Execute 对单个用户执行一次退款批次
func (s *RefundService) Execute(ctx context.Context, userID int64, req *ExecuteRequest) (*ExecuteResponse, error) {
	if userID <= 0 {
		return nil, errs.Validation(errs.CodeInvalidUserID, "用户 id 必须为正整数")
	}

	batchID := fmt.Sprintf("userrefund_%d_%d", userID, time.Now().UnixMilli())

	// 同一用户同一时刻只允许一个批次真正执行；dry run 无副作用不抢锁
	if !req.DryRun && s.redis != nil {
		refundLock := lock.NewRefundLock(s.redis, userID, batchID)
		ok, err := refundLock.TryLock(ctx)
		if err != nil {
			logger.S().Warnw("refund_lock_error", "user_id", userID, "err", err)
		} else if !ok {
			return nil, errs.State(errs.CodeRefundBusy, "该用户已有退款批次在执行")
		} else {
			defer refundLock.Unlock(ctx)
		}
	}

	quote, err := s.quotes.BuildQuote(ctx, userID)
	if err != nil {
		return nil, err
	}

	feeBps, err := money.ParseFeePercent(req.FeePercent, s.cfg.Refund.DefaultFeeBps)
	if err != nil {
		return nil, err
	}
	minCents, maxCents, err := parseRange(req.MinRefundYuan, req.MaxRefundYuan)
	if err != nil {
		return nil, err
	}

	gross := quote.DueCents
	if req.AmountYuan != "" {
		v, perr := money.ParseYuanToCents(req.AmountYuan)
		if perr != nil {
			return nil, perr
		}
		if v <= 0 {
			return nil, errs.Validation(errs.CodeInvalidAmount, "退款金额必须为正数")
		}
		if v < gross {
			gross = v
		}
	}
	if gross <= 0 {
		return nil, errs.State(errs.CodeNothingToRefund, "当前没有可退金额")
	}

	fee := gross * feeBps / 10000
	net := gross - fee
	if net <= 0 {
		return nil, errs.State(errs.CodeFeeTooHigh, "手续费扣完后净退款金额为零").
			WithDetails(map[string]interface{}{"gross_cents": gross, "fee_bps": feeBps})
	}
	if (minCents != nil && net < *minCents) || (maxCents != nil && net > *maxCents) {
		return nil, errs.State(errs.CodeRefundOutOfRange, "净退款金额不在允许区间内").
			WithDetails(map[string]interface{}{
				"net_cents": net,
				"min_yuan":  req.MinRefundYuan,
				"max_yuan":  req.MaxRefundYuan,
			})
	}

	targetQuota := money.CentsToQuota(gross)
	if req.ClearBalance {
		targetQuota = quote.Balance.RemainingQuota
		if targetQuota < 0 {
			targetQuota = 0
		}
	}

	// 卡单新的在前，聚合渠道按完成时间新的在前
	cards := append([]stripe.Charge(nil), quote.cardCharges...)
	sort.Slice(cards, func(i, j int) bool { return cards[i].Created > cards[j].Created })
	aggs := append([]aggLegSource(nil), quote.aggLegs...)
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].CompleteTime > aggs[j].CompleteTime })

	baseSteps := []TraceStep{
		{StepIndex: 0, Name: "inputs", Detail: map[string]interface{}{
			"user_id":         userID,
			"amount_yuan":     req.AmountYuan,
			"fee_percent":     req.FeePercent,
			"min_refund_yuan": req.MinRefundYuan,
			"max_refund_yuan": req.MaxRefundYuan,
			"clear_balance":   req.ClearBalance,
			"dry_run":         req.DryRun,
			"performed_by":    req.PerformedBy,
		}},
		{StepIndex: 1, Name: "user", Detail: quote.User},
		{StepIndex: 2, Name: "quota", Detail: quote.Balance},
		{StepIndex: 3, Name: "aggregator", Detail: quote.Aggregator},
		{StepIndex: 4, Name: "card", Detail: quote.Card},
		{StepIndex: 5, Name: "due", Detail: map[string]interface{}{
			"formula":   "due_cents = min(floor(refundable_quota / 5000), aggregator_net + card_net)",
			"due_cents": quote.DueCents,
			"due_yuan":  quote.DueYuan,
			"plan":      quote.Plan,
			"orders":    quote.Orders,
		}},
		{StepIndex: 6, Name: "amount", Detail: map[string]interface{}{
			"override":    req.AmountYuan,
			"gross_cents": gross,
		}},
		{StepIndex: 7, Name: "fee", Detail: map[string]interface{}{
			"fee_bps":   feeBps,
			"fee_cents": fee,
			"net_cents": net,
		}},
		{StepIndex: 8, Name: "quota_delta", Detail: map[string]interface{}{
			"clear_balance":      req.ClearBalance,
			"target_quota_delta": targetQuota,
		}},
		{StepIndex: 9, Name: "execution", Detail: map[string]interface{}{
			"batch_id":        batchID,
			"card_legs":       len(cards),
			"aggregator_legs": len(aggs),
			"started_at":      time.Now().UTC().Format(time.RFC3339),
		}},
	}

	resp := &ExecuteResponse{
		BatchID:      batchID,
		UserID:       userID,
		DryRun:       req.DryRun,
		ClearBalance: req.ClearBalance,
		FeeBps:       feeBps,
		GrossCents:   gross,
		FeeCents:     fee,
		NetCents:     net,
		GrossYuan:    money.FormatCentsToYuan(gross),
		FeeYuan:      money.FormatCentsToYuan(fee),
		NetYuan:      money.FormatCentsToYuan(net),
		QuotaDelta:   targetQuota,
		Quote:        quote,
		CalcTrace:    baseSteps,
	}

	if req.DryRun {
		resp.Status = "planned"
		return resp, nil
	}

	st := &batchState{
		batchID:        batchID,
		userID:         userID,
		performedBy:    req.PerformedBy,
		remainingCents: net,
		remainingQuota: targetQuota,
		baseSteps:      baseSteps,
	}

	for i := range cards {
		if st.remainingCents <= 0 {
			break
		}
		ch := &cards[i]
		rem := ch.Remaining()
		if rem <= 0 {
			continue
		}
		amount := rem
		if st.remainingCents < amount {
			amount = st.remainingCents
		}
		if err := s.runCardLeg(ctx, st, quote.User.StripeCustomerID, ch, amount); err != nil {
			s.emitResult(ctx, st, model.RefundStatusFailed, false)
			return nil, err
		}
	}
	for i := range aggs {
		if st.remainingCents <= 0 {
			break
		}
		leg := aggs[i]
		amount := leg.RemainingCents
		if st.remainingCents < amount {
			amount = st.remainingCents
		}
		if amount <= 0 {
			continue
		}
		if err := s.runAggLeg(ctx, st, leg, amount); err != nil {
			s.emitResult(ctx, st, model.RefundStatusFailed, false)
			return nil, err
		}
	}

	if st.remainingCents > 0 {
		// 渠道余量不足以退到 net，已退部分不回滚。额度按腿扣减，
		// 没走到的部分从未离开用户账户，quota_not_deducted 只是报数
		s.emitResult(ctx, st, "partial", false)
		return nil, errs.Partial(errs.CodeRefundIncomplete, "渠道可退余量不足，批次部分完成").
			WithDetails(map[string]interface{}{
				"batch_id":           batchID,
				"remaining_cents":    st.remainingCents,
				"quota_not_deducted": st.remainingQuota,
				"legs":               st.legs,
				"warnings":           st.warnings,
			})
	}

	s.emitResult(ctx, st, model.RefundStatusSucceeded, false)

	logger.S().Infow("refund_batch_done",
		"batch_id", batchID,
		"user_id", userID,
		"net_cents", net,
		"legs", len(st.legs),
		"quota_delta", st.quotaDeducted,
	)

	resp.Status = model.RefundStatusSucceeded
	resp.Legs = st.legs
	resp.Warnings = st.warnings
	return resp, nil
}

// batchState 跨腿的执行状态
type batchState struct {
	batchID     string
	userID      int64
	performedBy string

	remainingCents int64
	remainingQuota int64
	quotaDeducted  int64 // 实际净扣减的额度，补偿回加会减回去

	cardCents int64
	aggCents  int64

	legs      []LegResult
	warnings  []string
	baseSteps []TraceStep
}

func (s *RefundService) runCardLeg(ctx context.Context, st *batchState, customerID string, ch *stripe.Charge, amount int64) error {
	delta := prorate(st.remainingQuota, amount, st.remainingCents)
	outNo := fmt.Sprintf("%s_%s_%s_%d", model.ProviderStripe, st.batchID, ch.ID, amount)

	leg := LegResult{
		Provider:    model.ProviderStripe,
		ChargeID:    ch.ID,
		AmountCents: amount,
		AmountYuan:  money.FormatCentsToYuan(amount),
		Currency:    strings.ToLower(ch.Currency),
		QuotaDelta:  delta,
		OutRefundNo: outNo,
	}
	row := &model.RefundLog{
		ID:                    uuid.NewString(),
		BatchID:               st.batchID,
		MySQLUserID:           st.userID,
		StripeChargeID:        ch.ID,
		StripePaymentIntentID: ch.PaymentIntent,
		PaymentMethod:         model.PaymentMethodStripe,
		Currency:              leg.Currency,
		RefundMoney:           decimal.New(amount, -2),
		RefundMoneyMinor:      amount,
		QuotaDelta:            delta,
		Provider:              model.ProviderStripe,
		OutRefundNo:           outNo,
		Status:                model.RefundStatusPending,
		PerformedBy:           st.performedBy,
	}

	amt := amount
	return s.runLeg(ctx, st, leg, row, func(callCtx context.Context) (string, string, error) {
		ref, err := s.card.CreateRefund(callCtx, stripe.RefundParams{
			ChargeID:         ch.ID,
			AmountMinor:      &amt,
			ExpectedCustomer: customerID,
			IdempotencyKey:   outNo,
		})
		if err != nil {
			return "", "", err
		}
		return ref.ID, ref.RawBody, nil
	})
}

func (s *RefundService) runAggLeg(ctx context.Context, st *batchState, src aggLegSource, amount int64) error {
	delta := prorate(st.remainingQuota, amount, st.remainingCents)
	outNo := fmt.Sprintf("%s_%s_%s_%d", model.ProviderEpay, st.batchID, src.TradeNo, amount)

	leg := LegResult{
		Provider:    model.ProviderEpay,
		TradeNo:     src.TradeNo,
		AmountCents: amount,
		AmountYuan:  money.FormatCentsToYuan(amount),
		Currency:    "cny",
		QuotaDelta:  delta,
		OutRefundNo: outNo,
	}
	row := &model.RefundLog{
		ID:               uuid.NewString(),
		BatchID:          st.batchID,
		MySQLUserID:      st.userID,
		TopupTradeNo:     src.TradeNo,
		PaymentMethod:    src.PaymentMethod,
		Currency:         "cny",
		RefundMoney:      decimal.New(amount, -2),
		RefundMoneyMinor: amount,
		QuotaDelta:       delta,
		Provider:         model.ProviderEpay,
		OutRefundNo:      outNo,
		Status:           model.RefundStatusPending,
		PerformedBy:      st.performedBy,
	}

	return s.runLeg(ctx, st, leg, row, func(callCtx context.Context) (string, string, error) {
		res, err := s.agg.Refund(callCtx, epay.RefundInput{
			OrderNoField: epay.OrderNoFieldTradeNo,
			OrderNo:      src.TradeNo,
			MoneyYuan:    money.FormatCentsToYuan(amount),
			OutRefundNo:  outNo,
			Timestamp:    time.Now().Unix(),
		})
		if err != nil {
			return "", "", err
		}
		return res.RefundNo, res.RawBody, nil
	})
}

// runLeg 单腿协议：预扣 → 落 pending 审计行 → 渠道调用 → 结算。
// 返回非 nil 时整个批次中止，已成功的腿保持不动。
func (s *RefundService) runLeg(ctx context.Context, st *batchState, leg LegResult, row *model.RefundLog, call func(context.Context) (refundNo, rawResponse string, err error)) error {
	// 预扣：条件扣减挡住并发超退
	if err := s.users.DeductQuota(ctx, nil, st.userID, leg.QuotaDelta); err != nil {
		if errors.Is(err, repository.ErrQuotaNotEnough) {
			return errs.Integrity(errs.CodeInsufficientUserQuota, "用户剩余额度不足以完成预扣").
				WithDetails(s.legDetails(st))
		}
		if errors.Is(err, repository.ErrUserNotFound) {
			return errs.NotFound(errs.CodeUserNotFound, "用户不存在")
		}
		return errs.Internal("额度预扣失败").WithCause(err)
	}
	st.quotaDeducted += leg.QuotaDelta

	compensate := func() {
		if err := s.users.AddQuota(ctx, nil, st.userID, leg.QuotaDelta); err != nil {
			logger.S().Errorw("refund_compensate_failed",
				"batch_id", st.batchID,
				"user_id", st.userID,
				"quota_delta", leg.QuotaDelta,
				"err", err,
			)
			st.warnings = append(st.warnings,
				fmt.Sprintf("额度补偿回加失败，需人工核对: out_refund_no=%s delta=%d", leg.OutRefundNo, leg.QuotaDelta))
			return
		}
		st.quotaDeducted -= leg.QuotaDelta
	}

	// 审计行先落库再发渠道指令，崩溃后能从 pending 行恢复在途退款
	row.RawRequest = traceJSON(st.baseSteps, TraceStep{Name: "op", Detail: map[string]interface{}{
		"provider":      leg.Provider,
		"trade_no":      leg.TradeNo,
		"charge_id":     leg.ChargeID,
		"amount_cents":  leg.AmountCents,
		"delta_quota":   leg.QuotaDelta,
		"out_refund_no": leg.OutRefundNo,
		"seq":           len(st.legs),
	}})
	inserted, err := s.audit.InsertRefundLog(ctx, row)
	if err != nil {
		compensate()
		return errs.External(errs.CodeSupabaseError, "审计行写入失败，批次中止").WithCause(err).
			WithDetails(s.legDetails(st))
	}
	if inserted != nil && inserted.ID != "" {
		row.ID = inserted.ID
	}
	leg.RefundLogID = row.ID

	refundNo, rawResponse, err := call(ctx)
	executedAt := time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		compensate()
		patch := map[string]interface{}{
			"status":        model.RefundStatusFailed,
			"error_message": err.Error(),
			"executed_at":   executedAt,
		}
		if uerr := s.audit.UpdateRefundLog(ctx, row.ID, patch); uerr != nil {
			logger.S().Errorw("refund_log_patch_failed", "refund_log_id", row.ID, "err", uerr)
			st.warnings = append(st.warnings, "审计行状态更新失败: "+row.ID)
		}
		leg.Status = model.RefundStatusFailed
		leg.Error = err.Error()
		st.legs = append(st.legs, leg)

		return errs.From(err).WithDetails(s.legDetails(st))
	}

	patch := map[string]interface{}{
		"status":             model.RefundStatusSucceeded,
		"provider_refund_no": refundNo,
		"raw_response":       rawResponse,
		"executed_at":        executedAt,
	}
	if uerr := s.audit.UpdateRefundLog(ctx, row.ID, patch); uerr != nil {
		// 渠道侧已经退了，审计行补不上只能告警，这条腿仍算成功
		logger.S().Errorw("refund_log_patch_failed", "refund_log_id", row.ID, "err", uerr)
		st.warnings = append(st.warnings, "审计行状态更新失败: "+row.ID)
	}

	leg.Status = model.RefundStatusSucceeded
	leg.ProviderRefundNo = refundNo
	st.legs = append(st.legs, leg)
	st.remainingCents -= leg.AmountCents
	st.remainingQuota -= leg.QuotaDelta
	if leg.Provider == model.ProviderStripe {
		st.cardCents += leg.AmountCents
	} else {
		st.aggCents += leg.AmountCents
	}
	return nil
}

func (s *RefundService) legDetails(st *batchState) map[string]interface{} {
	d := map[string]interface{}{"batch_id": st.batchID}
	if len(st.legs) > 0 {
		d["legs"] = st.legs
	}
	if len(st.warnings) > 0 {
		d["warnings"] = st.warnings
	}
	return d
}

// emitResult 把批次结果写进发件箱，投递失败只告警不影响批次结论
func (s *RefundService) emitResult(ctx context.Context, st *batchState, status string, dryRun bool) {
	legsFailed := 0
	for _, l := range st.legs {
		if l.Status == model.RefundStatusFailed {
			legsFailed++
		}
	}
	ev := model.RefundResultEvent{
		EventType:        model.EventTypeRefundResult,
		BatchID:          st.batchID,
		UserID:           st.userID,
		Status:           status,
		TotalCents:       st.cardCents + st.aggCents,
		CardCents:        st.cardCents,
		AggregatorCents:  st.aggCents,
		LegsSucceeded:    len(st.legs) - legsFailed,
		LegsFailed:       legsFailed,
		QuotaDelta:       st.quotaDeducted,
		DryRun:           dryRun,
		PerformedBy:      st.performedBy,
		OccurredAtMillis: time.Now().UnixMilli(),
	}
	payload, _ := json.Marshal(ev)
	msg := &model.OutboxMessage{
		MessageKey: st.batchID,
		Topic:      s.cfg.Kafka.Topic.RefundResult,
		EventType:  ev.EventType,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outbox.Append(ctx, msg); err != nil {
		logger.S().Errorw("refund_outbox_append_failed", "batch_id", st.batchID, "err", err)
	}
}

type TopUpRefundRequest struct {
	TradeNo string `json:"trade_no" binding:"required"`

	PerformedBy string `json:"-"`
}

type TopUpRefundResponse struct {
	TradeNo          string `json:"trade_no"`
	UserID           int64  `json:"user_id"`
	RefundYuan       string `json:"refund_yuan"`
	QuotaDelta       int64  `json:"quota_delta"`
	Provider         string `json:"provider"`
	ProviderRefundNo string `json:"provider_refund_no,omitempty"`
	RefundLogID      string `json:"refund_log_id,omitempty"`
	Status           string `json:"status"`
}

// RefundTopUp 按 trade_no 整单退一笔历史充值。行锁内先发渠道指令再改
// 单据状态、回收全额授予额度，三者同事务；审计行的状态补写在事务外。
// 额度回收不做余量检查，用户已消费的部分直接透支为负。
func (s *RefundService) RefundTopUp(ctx context.Context, req *TopUpRefundRequest) (*TopUpRefundResponse, error) {
	tradeNo := strings.TrimSpace(req.TradeNo)
	if tradeNo == "" {
		return nil, errs.Validation(errs.CodeInvalidTradeNo, "trade_no 不能为空")
	}

	topup, err := s.topups.GetByTradeNo(ctx, tradeNo)
	if err != nil {
		if errors.Is(err, repository.ErrTopUpNotFound) {
			return nil, errs.NotFound(errs.CodeTopUpNotFound, "充值单不存在")
		}
		return nil, err
	}
	if topup.Status != model.TopUpStatusSuccess {
		return nil, errs.State(errs.CodeTopUpNotRefundable, "充值单状态不允许退款: "+topup.Status)
	}

	moneyCents := topup.MoneyCents()
	if moneyCents <= 0 {
		return nil, errs.State(errs.CodeNothingToRefund, "充值单金额为零")
	}
	grant := topup.AmountCents() * money.QuotaPerCent

	provider := model.ProviderEpay
	if topup.IsStripe() {
		provider = model.ProviderStripe
	}
	batchID := fmt.Sprintf("userrefund_%d_%d", topup.UserID, time.Now().UnixMilli())
	outNo := fmt.Sprintf("%s_%s_%s_%d", provider, batchID, tradeNo, moneyCents)

	row := &model.RefundLog{
		ID:               uuid.NewString(),
		BatchID:          batchID,
		MySQLUserID:      topup.UserID,
		TopupTradeNo:     tradeNo,
		PaymentMethod:    topup.PaymentMethod,
		Currency:         "cny",
		RefundMoney:      decimal.New(moneyCents, -2),
		RefundMoneyMinor: moneyCents,
		QuotaDelta:       grant,
		Provider:         provider,
		OutRefundNo:      outNo,
		Status:           model.RefundStatusPending,
		PerformedBy:      req.PerformedBy,
	}
	if topup.IsStripe() {
		if strings.HasPrefix(tradeNo, "pi_") {
			row.StripePaymentIntentID = tradeNo
		} else {
			row.StripeChargeID = tradeNo
		}
	}
	inserted, err := s.audit.InsertRefundLog(ctx, row)
	if err != nil {
		return nil, errs.External(errs.CodeSupabaseError, "审计行写入失败").WithCause(err)
	}
	if inserted != nil && inserted.ID != "" {
		row.ID = inserted.ID
	}

	var providerRefundNo, rawResponse string
	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.topups.GetByTradeNoForUpdate(ctx, tx, tradeNo)
		if err != nil {
			if errors.Is(err, repository.ErrTopUpNotFound) {
				return errs.NotFound(errs.CodeTopUpNotFound, "充值单不存在")
			}
			return fmt.Errorf("锁定充值单失败: %w", err)
		}
		if locked.Status != model.TopUpStatusSuccess {
			return errs.State(errs.CodeTopUpNotRefundable, "充值单状态不允许退款: "+locked.Status)
		}

		if topup.IsStripe() {
			params := stripe.RefundParams{
				AmountMinor:    &moneyCents,
				IdempotencyKey: outNo,
			}
			if strings.HasPrefix(tradeNo, "pi_") {
				params.PaymentIntentID = tradeNo
			} else {
				params.ChargeID = tradeNo
			}
			ref, err := s.card.CreateRefund(ctx, params)
			if err != nil {
				return err
			}
			providerRefundNo, rawResponse = ref.ID, ref.RawBody
		} else {
			res, err := s.agg.Refund(ctx, epay.RefundInput{
				OrderNoField: epay.OrderNoFieldTradeNo,
				OrderNo:      tradeNo,
				MoneyYuan:    money.FormatCentsToYuan(moneyCents),
				OutRefundNo:  outNo,
				Timestamp:    time.Now().Unix(),
			})
			if err != nil {
				return err
			}
			providerRefundNo, rawResponse = res.RefundNo, res.RawBody
		}

		if err := s.topups.MarkRefunded(ctx, tx, locked.ID); err != nil {
			if errors.Is(err, repository.ErrTopUpAlreadyUpdated) {
				return errs.Integrity(errs.CodeTopUpAlreadyUpdated, "充值单已被其它操作更新")
			}
			return fmt.Errorf("更新充值单状态失败: %w", err)
		}
		if err := s.users.AddQuota(ctx, tx, locked.UserID, -grant); err != nil {
			return fmt.Errorf("回收授予额度失败: %w", err)
		}
		return nil
	})

	executedAt := time.Now().UTC().Format(time.RFC3339)
	if txErr != nil {
		patch := map[string]interface{}{
			"status":        model.RefundStatusFailed,
			"error_message": txErr.Error(),
			"executed_at":   executedAt,
		}
		if uerr := s.audit.UpdateRefundLog(ctx, row.ID, patch); uerr != nil {
			logger.S().Errorw("refund_log_patch_failed", "refund_log_id", row.ID, "err", uerr)
		}
		s.emitTopUpResult(ctx, batchID, topup, model.RefundStatusFailed, grant, req.PerformedBy)
		return nil, txErr
	}

	patch := map[string]interface{}{
		"status":             model.RefundStatusSucceeded,
		"provider_refund_no": providerRefundNo,
		"raw_response":       rawResponse,
		"executed_at":        executedAt,
	}
	if uerr := s.audit.UpdateRefundLog(ctx, row.ID, patch); uerr != nil {
		logger.S().Errorw("refund_log_patch_failed", "refund_log_id", row.ID, "err", uerr)
	}
	s.emitTopUpResult(ctx, batchID, topup, model.RefundStatusSucceeded, grant, req.PerformedBy)

	logger.S().Infow("topup_refund_done",
		"trade_no", tradeNo,
		"user_id", topup.UserID,
		"money_cents", moneyCents,
		"quota_delta", grant,
	)

	return &TopUpRefundResponse{
		TradeNo:          tradeNo,
		UserID:           topup.UserID,
		RefundYuan:       money.FormatCentsToYuan(moneyCents),
		QuotaDelta:       grant,
		Provider:         provider,
		ProviderRefundNo: providerRefundNo,
		RefundLogID:      row.ID,
		Status:           model.RefundStatusSucceeded,
	}, nil
}

func (s *RefundService) emitTopUpResult(ctx context.Context, batchID string, topup *model.TopUp, status string, grant int64, performedBy string) {
	moneyCents := topup.MoneyCents()
	ev := model.RefundResultEvent{
		EventType:        model.EventTypeTopUpRefunded,
		BatchID:          batchID,
		UserID:           topup.UserID,
		TradeNo:          topup.TradeNo,
		Status:           status,
		QuotaDelta:       grant,
		PerformedBy:      performedBy,
		OccurredAtMillis: time.Now().UnixMilli(),
	}
	if status == model.RefundStatusSucceeded {
		ev.TotalCents = moneyCents
		ev.LegsSucceeded = 1
		if topup.IsStripe() {
			ev.CardCents = moneyCents
		} else {
			ev.AggregatorCents = moneyCents
		}
	} else {
		ev.LegsFailed = 1
		ev.QuotaDelta = 0
	}
	payload, _ := json.Marshal(ev)
	msg := &model.OutboxMessage{
		MessageKey: batchID,
		Topic:      s.cfg.Kafka.Topic.RefundResult,
		EventType:  ev.EventType,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outbox.Append(ctx, msg); err != nil {
		logger.S().Errorw("refund_outbox_append_failed", "batch_id", batchID, "err", err)
	}
}
