package relay

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"slices"
	"strings"
)

const roomIDWords = 4

var wordLists = [][]string{
	// animals
	{
		"kitten", "puppy", "bunny", "panda", "koala", "fox", "otter", "hedgehog", "squirrel", "hamster",
		"penguin", "flamingo", "pelican", "sparrow", "robin", "toucan", "parrot", "canary", "dolphin", "narwhal",
		"beaver", "ferret", "raccoon", "seahorse", "starfish", "walrus", "lemur", "badger", "heron", "wombat",
	},
	// sounds
	{
		"echo", "chime", "hum", "buzz", "ping", "ring", "whistle", "murmur", "rustle", "crackle",
		"jingle", "drum", "tambour", "banjo", "cello", "harp", "ukulele", "kazoo", "flute", "bell",
		"chorus", "ditty", "melody", "rhythm", "tempo", "lullaby", "anthem", "ballad", "riff", "sonnet",
	},
	// names
	{
		"alice", "bob", "charlie", "daisy", "ella", "finn", "grace", "henry", "isla", "jack",
		"kai", "luna", "mia", "noah", "olivia", "peter", "quinn", "rachel", "sam", "tina",
		"uma", "victor", "winnie", "xavier", "yara", "zoe", "aaron", "bella", "carlos", "diana",
	},
	// treats
	{
		"pancake", "waffle", "muffin", "biscuit", "cupcake", "toffee", "cocoa", "pretzel", "dumpling", "noodle",
		"mochi", "churro", "bagel", "crumpet", "scone", "brownie", "taffy", "nougat", "praline", "fudge",
		"pepper", "cinnamon", "maple", "hazel", "peppermint", "sprinkle", "nugget", "crumb", "jelly", "marble",
	},
	// adjectives
	{
		"tiny", "happy", "sleepy", "fluffy", "sparkly", "cheery", "silly", "jolly", "cozy", "shiny",
		"golden", "silver", "crimson", "emerald", "purple", "bright", "gentle", "brave", "calm", "swift",
		"quiet", "chatty", "bouncy", "fuzzy", "plucky", "merry", "peppy", "breezy", "sunny", "mellow",
	},
	// sky
	{
		"comet", "orbit", "nebula", "rocket", "stardust", "sunbeam", "meteor", "aurora", "eclipse", "galaxy",
		"moonbeam", "quasar", "pulsar", "zenith", "horizon", "twilight", "lantern", "ember", "glimmer", "breeze",
		"meadow", "willow", "canyon", "ridge", "pebble", "puddle", "drizzle", "thunder", "rainbow", "cloud",
	},
}

// generateRoomID picks one word from each of four distinct lists, for ids
// like "kitten-chime-stardust-happy", until taken reports the id as free.
func generateRoomID(taken func(string) bool) string {
	for {
		lists := make([]int, 0, roomIDWords)
		for len(lists) < roomIDWords {
			if i := randomIndex(len(wordLists)); !slices.Contains(lists, i) {
				lists = append(lists, i)
			}
		}

		words := make([]string, roomIDWords)
		for i, li := range lists {
			words[i] = wordLists[li][randomIndex(len(wordLists[li]))]
		}
		if id := strings.Join(words, "-"); !taken(id) {
			return id
		}
	}
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(fmt.Sprintf("generate random index: %v", err))
	}
	return int(n.Int64())
}
