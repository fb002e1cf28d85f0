package chain

// moodArtABI covers the MoodArtNFT entry points the pipeline touches.
const moodArtABI = `[
	{
		"inputs": [
			{"internalType": "string", "name": "imageData", "type": "string"},
			{"internalType": "string", "name": "mood", "type": "string"},
			{"internalType": "string", "name": "metadataURI", "type": "string"}
		],
		"name": "mintNFT",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "MINTING_FEE",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "totalSupply",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const (
	methodMint        = "mintNFT"
	methodMintingFee  = "MINTING_FEE"
	methodTotalSupply = "totalSupply"
)
