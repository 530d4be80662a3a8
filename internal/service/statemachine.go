package service

import (
	"github.com/payment-orchestrator/internal/constants"
)

// paymentTransitions 合法迁移表：当前状态 -> 事件 -> 目标状态
var paymentTransitions = map[string]map[string]string{
	constants.PaymentStateCreated: {
		constants.PaymentEventAuthorize:       constants.PaymentStateAuthorized,
		constants.PaymentEventProviderFailure: constants.PaymentStateFailed,
		constants.PaymentEventCancel:          constants.PaymentStateCanceled,
	},
	constants.PaymentStateAuthorized: {
		constants.PaymentEventCapture:         constants.PaymentStateCaptured,
		constants.PaymentEventProviderFailure: constants.PaymentStateFailed,
		constants.PaymentEventCancel:          constants.PaymentStateCanceled,
	},
	constants.PaymentStateCaptured: {
		constants.PaymentEventRefundPartial: constants.PaymentStatePartiallyRefunded,
		constants.PaymentEventRefundFull:    constants.PaymentStateRefunded,
	},
	constants.PaymentStatePartiallyRefunded: {
		constants.PaymentEventRefundPartial: constants.PaymentStatePartiallyRefunded,
		constants.PaymentEventRefundFull:    constants.PaymentStateRefunded,
	},
}

// stateRank 主路径上的先后顺序，用于判断乱序回调是否已被覆盖
var stateRank = map[string]int{
	constants.PaymentStateCreated:           0,
	constants.PaymentStateAuthorized:        1,
	constants.PaymentStateCaptured:          2,
	constants.PaymentStatePartiallyRefunded: 3,
	constants.PaymentStateRefunded:          4,
}

// NextState 计算迁移结果，守卫失败时返回 INVALID_STATE_TRANSITION
func NextState(paymentID, current, event string) (string, error) {
	if next, ok := paymentTransitions[current][event]; ok {
		return next, nil
	}
	return "", InvalidTransition(paymentID, event, current)
}

// CanTransition 判断事件在当前状态下是否合法
func CanTransition(current, event string) bool {
	_, ok := paymentTransitions[current][event]
	return ok
}

// IsTerminalState 终态（无任何出边）
func IsTerminalState(state string) bool {
	return len(paymentTransitions[state]) == 0
}

// IsFailureState 失败或取消
func IsFailureState(state string) bool {
	return state == constants.PaymentStateFailed || state == constants.PaymentStateCanceled
}

// hasReached 当前状态是否已经达到或越过 target（仅主路径）
func hasReached(current, target string) bool {
	currentRank, ok := stateRank[current]
	if !ok {
		return false
	}
	targetRank, ok := stateRank[target]
	if !ok {
		return false
	}
	return currentRank >= targetRank
}
