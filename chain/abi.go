package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// BridgeABI is the interface of the bridge contract deployed per network and token
const BridgeABI = `[
	{"type":"event","name":"TransferSent","anonymous":false,"inputs":[
		{"name":"transferId","type":"bytes32","indexed":true},
		{"name":"chainId","type":"uint256","indexed":true},
		{"name":"recipient","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"bonderFee","type":"uint256","indexed":false},
		{"name":"index","type":"uint256","indexed":false},
		{"name":"deadline","type":"uint256","indexed":false}]},
	{"type":"event","name":"TransfersCommitted","anonymous":false,"inputs":[
		{"name":"destinationChainId","type":"uint256","indexed":true},
		{"name":"rootHash","type":"bytes32","indexed":true},
		{"name":"totalAmount","type":"uint256","indexed":false},
		{"name":"rootCommittedAt","type":"uint256","indexed":false},
		{"name":"transferIds","type":"bytes32[]","indexed":false}]},
	{"type":"function","name":"bondWithdrawal","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"sourceChainId","type":"uint256"},
		{"name":"recipient","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"bonderFee","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"index","type":"uint256"}]},
	{"type":"function","name":"commitTransfers","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"destinationChainId","type":"uint256"},
		{"name":"rootHash","type":"bytes32"},
		{"name":"totalAmount","type":"uint256"},
		{"name":"transferIds","type":"bytes32[]"}]},
	{"type":"function","name":"settleBondedWithdrawals","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"bonder","type":"address"},
		{"name":"rootHash","type":"bytes32"},
		{"name":"totalAmount","type":"uint256"},
		{"name":"transferIds","type":"bytes32[]"}]},
	{"type":"function","name":"challengeTransferRoot","stateMutability":"payable","outputs":[],"inputs":[
		{"name":"rootHash","type":"bytes32"},
		{"name":"totalAmount","type":"uint256"}]},
	{"type":"function","name":"stake","stateMutability":"payable","outputs":[],"inputs":[
		{"name":"bonder","type":"address"},
		{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"unstake","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"getCredit","stateMutability":"view","inputs":[
		{"name":"bonder","type":"address"}],"outputs":[
		{"name":"","type":"uint256"}]},
	{"type":"function","name":"getBondedWithdrawalAmount","stateMutability":"view","inputs":[
		{"name":"bonder","type":"address"},
		{"name":"transferId","type":"bytes32"}],"outputs":[
		{"name":"","type":"uint256"}]},
	{"type":"function","name":"getTransferRoot","stateMutability":"view","inputs":[
		{"name":"rootHash","type":"bytes32"},
		{"name":"totalAmount","type":"uint256"}],"outputs":[
		{"name":"total","type":"uint256"},
		{"name":"amountWithdrawn","type":"uint256"},
		{"name":"createdAt","type":"uint256"},
		{"name":"createdAtBlock","type":"uint256"}]},
	{"type":"function","name":"getChallengeStatus","stateMutability":"view","inputs":[
		{"name":"rootHash","type":"bytes32"}],"outputs":[
		{"name":"","type":"uint8"}]},
	{"type":"function","name":"token","stateMutability":"view","inputs":[],"outputs":[
		{"name":"","type":"address"}]}
]`

// ERC20ABI only carries what the node reads from token contracts
const ERC20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],"outputs":[
		{"name":"","type":"uint256"}]}
]`

func parseABI(def string) (abi.ABI, error) {
	return abi.JSON(strings.NewReader(def))
}
