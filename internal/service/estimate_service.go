package service

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Privnode-HQ/zelo-refund/internal/logger"
	"github.com/Privnode-HQ/zelo-refund/internal/model"
	"github.com/Privnode-HQ/zelo-refund/internal/money"
	"github.com/Privnode-HQ/zelo-refund/internal/stripe"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
)

const (
	estimateStatusIdle    = "idle"
	estimateStatusRunning = "running"
	estimateStatusReady   = "ready"
	estimateStatusError   = "error"

	estimatePhaseLoading    = "loading"
	estimatePhaseCard       = "card"
	estimatePhaseFinalizing = "finalizing"

	estimateRedisKey = "refund:estimate:last"

	// 全量估算自带兜底超时，跑不完说明外部依赖已经不正常了
	estimateTimeout = 10 * time.Minute

	maxEstimateUserIDs = 1500
)

type EstimateProgress struct {
	UsersTotal                 int `json:"users_total"`
	CardCustomersTotal         int `json:"card_customers_total"`
	CardCustomersDone          int `json:"card_customers_done"`
	CardCustomersFailed        int `json:"card_customers_failed"`
	CardCustomersMultiCurrency int `json:"card_customers_multi_currency"`
	CardCustomersNonCNY        int `json:"card_customers_non_cny"`
}

type EstimateCounts struct {
	UsersTotal                 int `json:"users_total"`
	PayingUsers                int `json:"paying_users"`
	RefundableUsers            int `json:"refundable_users"`
	UsersWithCardCustomer      int `json:"users_with_card_customer"`
	CardCustomersTotal         int `json:"card_customers_total"`
	CardCustomersFailed        int `json:"card_customers_failed"`
	CardCustomersMultiCurrency int `json:"card_customers_multi_currency"`
	CardCustomersNonCNY        int `json:"card_customers_non_cny"`
}

type EstimateResult struct {
	TotalCents      int64          `json:"total_cents"`
	CardCents       int64          `json:"card_cents"`
	AggregatorCents int64          `json:"aggregator_cents"`
	TotalYuan       string         `json:"total_yuan"`
	CardYuan        string         `json:"card_yuan"`
	AggregatorYuan  string         `json:"aggregator_yuan"`
	Counts          EstimateCounts `json:"counts"`
	ComputedAt      string         `json:"computed_at"`
	DurationMs      int64          `json:"duration_ms"`
}

// EstimateState 全量估算的对外状态。新一轮启动后 Result 仍保留
// 上一轮结果，直到算完被覆盖。
type EstimateState struct {
	Status    string           `json:"status"`
	Phase     string           `json:"phase,omitempty"`
	Progress  EstimateProgress `json:"progress"`
	Result    *EstimateResult  `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	StartedAt string           `json:"started_at,omitempty"`
}

// EstimateService 全量退款敞口估算。同一时刻只允许一轮计算在跑，
// 卡渠道拉单用固定宽度的 worker 池并行。
type EstimateService struct {
	users   UserStore
	topups  TopUpStore
	audit   AuditStore
	card    CardClient
	redis   *redis.Client
	workers int

	mu    sync.Mutex
	state EstimateState
}

func NewEstimateService(users UserStore, topups TopUpStore, audit AuditStore, card CardClient, redisClient *redis.Client, workers int) *EstimateService {
	if workers <= 0 {
		workers = 5
	}
	return &EstimateService{
		users:   users,
		topups:  topups,
		audit:   audit,
		card:    card,
		redis:   redisClient,
		workers: workers,
		state:   EstimateState{Status: estimateStatusIdle},
	}
}

// State 当前状态快照。进程重启后第一次查询会尝试从 redis
// 捞回上一次的结果。
func (s *EstimateService) State(ctx context.Context) EstimateState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status == estimateStatusIdle && s.state.Result == nil && s.redis != nil {
		if raw, err := s.redis.Get(ctx, estimateRedisKey).Bytes(); err == nil {
			var last EstimateResult
			if json.Unmarshal(raw, &last) == nil {
				s.state.Result = &last
				s.state.Status = estimateStatusReady
			}
		}
	}
	return s.state
}

// Start 启动一轮全量估算。已有一轮在跑时不重复启动，直接返回当前状态。
func (s *EstimateService) Start(ctx context.Context) (EstimateState, bool) {
	s.mu.Lock()
	if s.state.Status == estimateStatusRunning {
		snap := s.state
		s.mu.Unlock()
		return snap, false
	}
	s.state.Status = estimateStatusRunning
	s.state.Phase = estimatePhaseLoading
	s.state.Error = ""
	s.state.Progress = EstimateProgress{}
	s.state.StartedAt = time.Now().UTC().Format(time.RFC3339)
	snap := s.state
	s.mu.Unlock()

	// 计算在后台跑完，不跟着触发它的请求一起取消
	go s.run()
	return snap, true
}

func (s *EstimateService) run() {
	ctx, cancel := context.WithTimeout(context.Background(), estimateTimeout)
	defer cancel()

	started := time.Now()
	result, err := s.compute(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Phase = ""
	if err != nil {
		logger.S().Errorw("refund_estimate_failed", "err", err)
		s.state.Status = estimateStatusError
		s.state.Error = err.Error()
		return
	}
	result.DurationMs = time.Since(started).Milliseconds()
	result.ComputedAt = time.Now().UTC().Format(time.RFC3339)
	s.state.Status = estimateStatusReady
	s.state.Result = result
	s.mirror(result)
	logger.S().Infow("refund_estimate_done",
		"total_cents", result.TotalCents,
		"users_total", result.Counts.UsersTotal,
		"duration_ms", result.DurationMs,
	)
}

func (s *EstimateService) mirror(result *EstimateResult) {
	if s.redis == nil {
		return
	}
	b, _ := json.Marshal(result)
	if err := s.redis.Set(context.Background(), estimateRedisKey, b, 24*time.Hour).Err(); err != nil {
		logger.S().Warnw("refund_estimate_mirror_failed", "err", err)
	}
}

func (s *EstimateService) setPhase(phase string) {
	s.mu.Lock()
	s.state.Phase = phase
	s.mu.Unlock()
}

func (s *EstimateService) compute(ctx context.Context) (*EstimateResult, error) {
	users, err := s.users.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.state.Progress.UsersTotal = len(users)
	s.mu.Unlock()

	topups, err := s.topups.ListAllForQuote(ctx)
	if err != nil {
		return nil, err
	}
	openRefunds, err := s.audit.ListAllOpenRefunds(ctx)
	if err != nil {
		return nil, err
	}

	topupsByUser := make(map[int64][]*model.TopUp, len(users))
	for _, t := range topups {
		topupsByUser[t.UserID] = append(topupsByUser[t.UserID], t)
	}
	refundsByUser := make(map[int64][]model.RefundLog)
	for _, r := range openRefunds {
		refundsByUser[r.MySQLUserID] = append(refundsByUser[r.MySQLUserID], r)
	}

	s.setPhase(estimatePhaseCard)
	customers := distinctCustomers(users)
	s.mu.Lock()
	s.state.Progress.CardCustomersTotal = len(customers)
	s.mu.Unlock()
	charges, classes, cardStats, err := s.fetchCardCharges(ctx, customers, func(done int, st cardFetchStats) {
		s.mu.Lock()
		s.state.Progress.CardCustomersDone = done
		s.state.Progress.CardCustomersFailed = st.failed
		s.state.Progress.CardCustomersMultiCurrency = st.multiCurrency
		s.state.Progress.CardCustomersNonCNY = st.nonCNY
		s.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	s.setPhase(estimatePhaseFinalizing)
	result := &EstimateResult{}
	result.Counts = EstimateCounts{
		UsersTotal:                 len(users),
		CardCustomersTotal:         cardStats.total,
		CardCustomersFailed:        cardStats.failed,
		CardCustomersMultiCurrency: cardStats.multiCurrency,
		CardCustomersNonCNY:        cardStats.nonCNY,
	}
	for _, u := range users {
		if u.StripeCustomerID != "" {
			result.Counts.UsersWithCardCustomer++
			if excludedCustomerClass(classes[u.StripeCustomerID]) {
				continue
			}
		}
		quote, qerr := computeQuote(quoteInput{
			User:        u,
			TopUps:      topupsByUser[u.ID],
			OpenRefunds: refundsByUser[u.ID],
			Charges:     charges[u.StripeCustomerID],
		})
		if qerr != nil {
			// 卡渠道分类已在上一阶段过滤，到这儿还算不出来只能跳过
			logger.S().Warnw("refund_estimate_user_skipped", "user_id", u.ID, "err", qerr)
			continue
		}
		if quote.Aggregator.GrossCents+quote.Card.GrossCents > 0 {
			result.Counts.PayingUsers++
		}
		if quote.DueCents > 0 {
			result.Counts.RefundableUsers++
			result.TotalCents += quote.DueCents
			result.CardCents += quote.Plan.CardCents
			result.AggregatorCents += quote.Plan.AggregatorCents
		}
	}
	result.TotalYuan = money.FormatCentsToYuan(result.TotalCents)
	result.CardYuan = money.FormatCentsToYuan(result.CardCents)
	result.AggregatorYuan = money.FormatCentsToYuan(result.AggregatorCents)
	return result, nil
}

type cardFetchStats struct {
	total         int
	failed        int
	multiCurrency int
	nonCNY        int
}

func distinctCustomers(users []*model.User) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range users {
		if u.StripeCustomerID == "" || seen[u.StripeCustomerID] {
			continue
		}
		seen[u.StripeCustomerID] = true
		out = append(out, u.StripeCustomerID)
	}
	sort.Strings(out)
	return out
}

// fetchCardCharges 按固定宽度并行拉取每个 customer 的卡单。
// 单个 customer 拉取失败只计数不中断；整轮被取消或超时则返回错误，
// 没分类完的 customer 不能冒充无卡单用户进汇总。失败、多币种、
// 非人民币的 customer 在 classes 里标出来，名下用户整个不参与
// 汇总：缺了卡单只报聚合渠道的数会把敞口算小还看不出来。
func (s *EstimateService) fetchCardCharges(ctx context.Context, customers []string, onProgress func(done int, stats cardFetchStats)) (map[string][]stripe.Charge, map[string]string, cardFetchStats, error) {
	stats := cardFetchStats{total: len(customers)}
	out := make(map[string][]stripe.Charge, len(customers))
	classes := make(map[string]string, len(customers))
	if len(customers) == 0 || s.card == nil {
		return out, classes, stats, nil
	}

	var mu sync.Mutex
	done := 0
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(customers); i += s.workers {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				customerID := customers[i]
				charges, err := s.card.ListCustomerCharges(gctx, customerID)

				mu.Lock()
				done++
				if err != nil {
					stats.failed++
					classes[customerID] = customerClassFailed
					logger.S().Warnw("refund_estimate_card_failed", "customer_id", customerID, "err", err)
				} else {
					class := classifyChargeCurrencies(charges)
					classes[customerID] = class
					switch class {
					case currencyClassMulti:
						stats.multiCurrency++
					case currencyClassNonCNY:
						stats.nonCNY++
					default:
						if charges == nil {
							charges = []stripe.Charge{}
						}
						out[customerID] = charges
					}
				}
				if onProgress != nil {
					onProgress(done, stats)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, stats, err
	}
	return out, classes, stats, nil
}

const (
	currencyClassCNY    = "cny"
	currencyClassNone   = "none"
	currencyClassMulti  = "multi"
	currencyClassNonCNY = "non_cny"

	customerClassFailed = "failed"
)

// excludedCustomerClass 名下用户不参与汇总的 customer 分类
func excludedCustomerClass(class string) bool {
	return class == customerClassFailed || class == currencyClassMulti || class == currencyClassNonCNY
}

func classifyChargeCurrencies(charges []stripe.Charge) string {
	currencies := map[string]bool{}
	for i := range charges {
		ch := &charges[i]
		if !ch.Paid || ch.Status != "succeeded" {
			continue
		}
		currencies[strings.ToLower(ch.Currency)] = true
	}
	switch {
	case len(currencies) == 0:
		return currencyClassNone
	case len(currencies) > 1:
		return currencyClassMulti
	case currencies["cny"]:
		return currencyClassCNY
	default:
		return currencyClassNonCNY
	}
}

type UserEstimateItem struct {
	UserID   int64  `json:"user_id"`
	DueCents int64  `json:"due_cents"`
	DueYuan  string `json:"due_yuan"`
	Plan     Plan   `json:"plan"`
	Warning  string `json:"warning,omitempty"`
}

func zeroEstimateItem(userID int64, warning string) UserEstimateItem {
	return UserEstimateItem{
		UserID:  userID,
		DueYuan: "0.00",
		Plan:    Plan{CardYuan: "0.00", AggregatorYuan: "0.00"},
		Warning: warning,
	}
}

type UserEstimateResult struct {
	Items            []UserEstimateItem `json:"items"`
	TotalCents       int64              `json:"total_cents"`
	TotalYuan        string             `json:"total_yuan"`
	CardCents        int64              `json:"card_cents"`
	AggregatorCents  int64              `json:"aggregator_cents"`
	Counts           EstimateCounts     `json:"counts"`
	InvalidUserIDs   []string           `json:"invalid_user_ids,omitempty"`
	DuplicateUserIDs []int64            `json:"duplicate_user_ids,omitempty"`
	UserIDsNotFound  []int64            `json:"user_ids_not_found,omitempty"`
}

// EstimateUsers 按指定用户清单估算，算法与全量一致。清单以文本
// token 进来（数字数组和粘贴的文本框都先转成 token），解析不了的
// 和重复的单独报告，查不到的用户列进 user_ids_not_found。
func (s *EstimateService) EstimateUsers(ctx context.Context, tokens []string) (*UserEstimateResult, error) {
	if len(tokens) == 0 {
		return nil, errs.Validation(errs.CodeInvalidUserIDs, "user_ids 不能为空")
	}
	if len(tokens) > maxEstimateUserIDs {
		return nil, errs.Validation(errs.CodeTooManyUserIDs, "user_ids 数量超过上限").
			WithDetails(map[string]interface{}{"max": maxEstimateUserIDs, "got": len(tokens)})
	}

	result := &UserEstimateResult{}
	seen := make(map[int64]bool, len(tokens))
	var valid []int64
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil || id <= 0 {
			result.InvalidUserIDs = append(result.InvalidUserIDs, tok)
			continue
		}
		if seen[id] {
			result.DuplicateUserIDs = append(result.DuplicateUserIDs, id)
			continue
		}
		seen[id] = true
		valid = append(valid, id)
	}
	if len(valid) == 0 {
		return nil, errs.Validation(errs.CodeInvalidUserIDs, "user_ids 没有合法条目").
			WithDetails(map[string]interface{}{"invalid_user_ids": result.InvalidUserIDs})
	}

	users, err := s.users.ListByIDs(ctx, valid)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for _, id := range valid {
		if byID[id] == nil {
			result.UserIDsNotFound = append(result.UserIDsNotFound, id)
		}
	}

	topups, err := s.topups.ListAllForQuote(ctx)
	if err != nil {
		return nil, err
	}
	openRefunds, err := s.audit.ListAllOpenRefunds(ctx)
	if err != nil {
		return nil, err
	}
	topupsByUser := make(map[int64][]*model.TopUp)
	for _, t := range topups {
		if byID[t.UserID] != nil {
			topupsByUser[t.UserID] = append(topupsByUser[t.UserID], t)
		}
	}
	refundsByUser := make(map[int64][]model.RefundLog)
	for _, r := range openRefunds {
		if byID[r.MySQLUserID] != nil {
			refundsByUser[r.MySQLUserID] = append(refundsByUser[r.MySQLUserID], r)
		}
	}

	charges, classes, cardStats, err := s.fetchCardCharges(ctx, distinctCustomers(users), nil)
	if err != nil {
		return nil, err
	}

	result.Counts = EstimateCounts{
		UsersTotal:                 len(users),
		CardCustomersTotal:         cardStats.total,
		CardCustomersFailed:        cardStats.failed,
		CardCustomersMultiCurrency: cardStats.multiCurrency,
		CardCustomersNonCNY:        cardStats.nonCNY,
	}
	for _, id := range valid {
		u := byID[id]
		if u == nil {
			continue
		}
		if u.StripeCustomerID != "" {
			result.Counts.UsersWithCardCustomer++
			// 与全量口径一致：这几类用户不进汇总，逐条带原因返回
			switch classes[u.StripeCustomerID] {
			case customerClassFailed:
				result.Items = append(result.Items, zeroEstimateItem(u.ID, "card_charges_unavailable"))
				continue
			case currencyClassMulti:
				result.Items = append(result.Items, zeroEstimateItem(u.ID, errs.CodeStripeMultipleCurrencies))
				continue
			case currencyClassNonCNY:
				result.Items = append(result.Items, zeroEstimateItem(u.ID, "non_cny_currency"))
				continue
			}
		}
		quote, qerr := computeQuote(quoteInput{
			User:        u,
			TopUps:      topupsByUser[u.ID],
			OpenRefunds: refundsByUser[u.ID],
			Charges:     charges[u.StripeCustomerID],
		})
		if qerr != nil {
			result.Items = append(result.Items, zeroEstimateItem(u.ID, errs.From(qerr).Code))
			continue
		}
		item := UserEstimateItem{
			UserID:   u.ID,
			DueCents: quote.DueCents,
			DueYuan:  quote.DueYuan,
			Plan:     quote.Plan,
		}
		result.Items = append(result.Items, item)

		if quote.Aggregator.GrossCents+quote.Card.GrossCents > 0 {
			result.Counts.PayingUsers++
		}
		if quote.DueCents > 0 {
			result.Counts.RefundableUsers++
			result.TotalCents += quote.DueCents
			result.CardCents += quote.Plan.CardCents
			result.AggregatorCents += quote.Plan.AggregatorCents
		}
	}
	result.TotalYuan = money.FormatCentsToYuan(result.TotalCents)
	return result, nil
}
