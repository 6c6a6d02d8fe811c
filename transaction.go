package goxa

// CompositeTransaction 组合事务树中的一个节点.
// 同一棵树上的节点共享根节点的事务 id，分支的复用只取决于根节点.
type CompositeTransaction interface {
	// 当前节点的事务 id
	Tid() string
	// 是否为根节点
	IsRoot() bool
	// 祖先链，从根节点开始，到直接父节点为止；根节点返回空
	Lineage() []CompositeTransaction
}

// rootTid 沿祖先链找到根节点，自身没有祖先时自己就是根
func rootTid(ct CompositeTransaction) string {
	lineage := ct.Lineage()
	if len(lineage) == 0 {
		return ct.Tid()
	}
	for _, ancestor := range lineage {
		if ancestor.IsRoot() {
			return ancestor.Tid()
		}
	}
	return lineage[0].Tid()
}
