package chain

const (
	// Entrypoint names
	FunctionApprove   = "approve"
	FunctionAllowance = "allowance"
	FunctionPayment   = "payment"
	FunctionRefund    = "refund"
	FunctionSwap      = "swap"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// DefaultFallbackGasLimit is used for a call whose estimate reverts only
	// because it depends on an earlier call in the same batch
	DefaultFallbackGasLimit uint64 = 300000

	// DefaultGasBufferPercent is added on top of every successful estimate
	DefaultGasBufferPercent uint64 = 20
)

var (
	// ERC20ABI holds the ERC-20 allowance entrypoints
	ERC20ABI = []byte(`[
		{
			"type": "function",
			"name": "allowance",
			"stateMutability": "view",
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"type": "function",
			"name": "approve",
			"stateMutability": "nonpayable",
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		}
	]`)

	// SettlementABI holds the payment and refund entrypoints. Amounts are
	// passed as low/high 128-bit limbs. payment pulls from payer against the
	// payer's allowance; refund pulls from the caller and pays recipient.
	SettlementABI = []byte(`[
		{
			"type": "function",
			"name": "payment",
			"stateMutability": "nonpayable",
			"inputs": [
				{"name": "refcode", "type": "bytes32"},
				{"name": "amountLow", "type": "uint128"},
				{"name": "amountHigh", "type": "uint128"},
				{"name": "goodType", "type": "bytes32"},
				{"name": "payer", "type": "address"}
			],
			"outputs": []
		},
		{
			"type": "function",
			"name": "refund",
			"stateMutability": "nonpayable",
			"inputs": [
				{"name": "refcode", "type": "bytes32"},
				{"name": "amountLow", "type": "uint128"},
				{"name": "amountHigh", "type": "uint128"},
				{"name": "recipient", "type": "address"}
			],
			"outputs": []
		}
	]`)

	// SwapRouterABI is the swap facility entrypoint
	SwapRouterABI = []byte(`[
		{
			"type": "function",
			"name": "swap",
			"stateMutability": "nonpayable",
			"inputs": [
				{"name": "tokenIn", "type": "address"},
				{"name": "tokenOut", "type": "address"},
				{"name": "amountIn", "type": "uint256"},
				{"name": "recipient", "type": "address"}
			],
			"outputs": [{"name": "amountOut", "type": "uint256"}]
		}
	]`)
)
