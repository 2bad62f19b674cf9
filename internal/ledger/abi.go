package ledger

// Minimal ABI fragments for the three contracts the gateway talks to.
// Only the functions the engine calls are declared.

const poolFactoryABI = `[
	{"constant":true,"inputs":[],"name":"getPools","outputs":[{"name":"","type":"address[]"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"pool","type":"address"}],"name":"pools","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"regionName","type":"string"}],"name":"createPool","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"poolAddress","type":"address"},{"name":"lpTokens","type":"uint256"}],"name":"unstakeFromPool","outputs":[],"type":"function"}
]`

const liquidityPoolABI = `[
	{"constant":true,"inputs":[],"name":"regionName","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"totalLiquidity","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"getTotalDebt","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"getPoolStatus","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"user","type":"address"}],"name":"getStake","outputs":[{"name":"stakedAmount","type":"uint256"},{"name":"collateralAmount","type":"uint256"},{"name":"lpTokens","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"user","type":"address"}],"name":"getUserDebts","outputs":[{"components":[{"name":"owner","type":"address"},{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"},{"name":"timestamp","type":"uint256"},{"name":"repaid","type":"bool"}],"name":"","type":"tuple[]"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"amount","type":"uint256"}],"name":"stake","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"}],"name":"fallbackPay","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"debtIndex","type":"uint256"},{"name":"amount","type":"uint256"}],"name":"repayDebt","outputs":[],"type":"function"}
]`

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`
