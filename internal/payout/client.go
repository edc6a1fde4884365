package payout

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "PerpAgent/internal/errors"
)

// USDC 使用 6 位小数。
const usdcDecimals = 6

const erc20ABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const bridgeABI = `[
  {"name":"send","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"},{"name":"to","type":"address"},
             {"name":"amount","type":"uint256"}],
   "outputs":[]}
]`

// ChainClient 封装单条 EVM 链上的 USDC 操作。
type ChainClient struct {
	name     string
	eth      *ethclient.Client
	key      *ecdsa.PrivateKey
	from     common.Address
	usdc     common.Address
	bridge   common.Address
	chainID  *big.Int
	erc20    abi.ABI
	bridgeAb abi.ABI
}

// ChainClientConfig 描述访问一条链所需的信息。
type ChainClientConfig struct {
	Name          string
	RPCURL        string
	USDCContract  string
	BridgeAddress string
	PrivateKeyHex string
}

// NewChainClient 连接节点并准备签名所需的上下文。
func NewChainClient(ctx context.Context, cfg ChainClientConfig) (*ChainClient, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置链 RPC 地址")
	}
	if !common.IsHexAddress(cfg.USDCContract) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的 USDC 合约地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接链节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析私钥失败")
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "查询链 ID 失败")
	}

	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		eth.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 ERC-20 ABI 失败")
	}
	bridgeParsed, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		eth.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析桥 ABI 失败")
	}

	client := &ChainClient{
		name:     cfg.Name,
		eth:      eth,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		usdc:     common.HexToAddress(cfg.USDCContract),
		chainID:  chainID,
		erc20:    erc20,
		bridgeAb: bridgeParsed,
	}
	if cfg.BridgeAddress != "" {
		if !common.IsHexAddress(cfg.BridgeAddress) {
			eth.Close()
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的桥合约地址")
		}
		client.bridge = common.HexToAddress(cfg.BridgeAddress)
	}
	return client, nil
}

// Name 返回链名。
func (c *ChainClient) Name() string { return c.name }

// Address 返回出款热钱包地址。
func (c *ChainClient) Address() string { return c.from.Hex() }

// UsdToUnits 把 USD 金额转为 USDC 最小单位。
func UsdToUnits(amountUsd float64) *big.Int {
	units := new(big.Float).Mul(big.NewFloat(amountUsd), big.NewFloat(1e6))
	out, _ := units.Int(nil)
	return out
}

// UnitsToUsd 把 USDC 最小单位转回 USD。
func UnitsToUsd(units *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(1e6)).Float64()
	return f
}

// USDCBalance 查询热钱包的 USDC 余额。
func (c *ChainClient) USDCBalance(ctx context.Context) (*big.Int, error) {
	input, err := c.erc20.Pack("balanceOf", c.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码 balanceOf 调用失败")
	}
	output, err := c.eth.CallContract(ctx, callMsg(c.usdc, input), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 USDC 余额失败",
			xerrors.WithRetryable(true))
	}
	results, err := c.erc20.Unpack("balanceOf", output)
	if err != nil || len(results) == 0 {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码 USDC 余额失败")
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeChainFailure, "USDC 余额类型异常")
	}
	return balance, nil
}

// TransferUSDC 直接转账 USDC 给收款地址。
func (c *ChainClient) TransferUSDC(ctx context.Context, to string, units *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "非法的收款地址")
	}
	input, err := c.erc20.Pack("transfer", common.HexToAddress(to), units)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "编码 transfer 调用失败")
	}
	return c.sendTransaction(ctx, c.usdc, input)
}

// ApproveBridge 授权桥合约动用指定数量的 USDC。
func (c *ChainClient) ApproveBridge(ctx context.Context, units *big.Int) (string, error) {
	if (c.bridge == common.Address{}) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "该链未配置桥合约")
	}
	input, err := c.erc20.Pack("approve", c.bridge, units)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "编码 approve 调用失败")
	}
	return c.sendTransaction(ctx, c.usdc, input)
}

// BridgeSend 通过桥合约把 USDC 发往目标链上的收款地址。
func (c *ChainClient) BridgeSend(ctx context.Context, to string, units *big.Int) (string, error) {
	if (c.bridge == common.Address{}) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "该链未配置桥合约")
	}
	if !common.IsHexAddress(to) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "非法的收款地址")
	}
	input, err := c.bridgeAb.Pack("send", c.usdc, common.HexToAddress(to), units)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "编码桥调用失败")
	}
	return c.sendTransaction(ctx, c.bridge, input)
}

func (c *ChainClient) sendTransaction(ctx context.Context, to common.Address, input []byte) (string, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 nonce 失败",
			xerrors.WithRetryable(true))
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 gas 价格失败",
			xerrors.WithRetryable(true))
	}

	tx := coretypes.NewTransaction(nonce, to, big.NewInt(0), 200000, gasPrice, input)
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败")
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "广播交易失败",
			xerrors.WithRetryable(true))
	}
	return signed.Hash().Hex(), nil
}

func callMsg(to common.Address, data []byte) gethcore.CallMsg {
	return gethcore.CallMsg{To: &to, Data: data}
}

// Close 释放节点连接。
func (c *ChainClient) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}
