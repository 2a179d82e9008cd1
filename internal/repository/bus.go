package repository

// Topics published by stores whose writes must be archived elsewhere.
const TopicEntryCreated = "ledger.entries.created"

type MessageBus interface {
	Publish(topic string, data []byte) error
}
